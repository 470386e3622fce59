// Package api 暴露平台的 REST 接口：智能体准入、任务申报、
// 贷款撮合与托管清算都通过这里对外提供。
package api
