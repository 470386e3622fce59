package admission

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// 本文件提供扫描、改写与部署三个外部协作方的本地实现，
// 用于没有接入外部扫描服务与编排平台的单机部署。

// LocalScanner 对捆绑包引用做基础合法性检查。
// 深度静态分析由外部扫描服务承担，这里只拦截明显非法的输入。
type LocalScanner struct{}

// ScanSource 实现 Scanner 接口。
func (LocalScanner) ScanSource(_ context.Context, bundleRef string) (ScanReport, error) {
	if strings.TrimSpace(bundleRef) == "" {
		return ScanReport{
			Passed: false,
			Findings: []Finding{{
				ID:       "BUNDLE-001",
				Severity: SeverityHigh,
				Title:    "捆绑包引用为空",
			}},
		}, nil
	}
	return ScanReport{Passed: true}, nil
}

// ScanImage 实现 Scanner 接口。
func (LocalScanner) ScanImage(_ context.Context, unitHandle string) (ScanReport, error) {
	if strings.TrimSpace(unitHandle) == "" {
		return ScanReport{
			Passed: false,
			Findings: []Finding{{
				ID:       "IMAGE-001",
				Severity: SeverityHigh,
				Title:    "运行单元句柄为空",
			}},
		}, nil
	}
	return ScanReport{Passed: true}, nil
}

// TagTransformer 在捆绑包引用上附加托管账户标记。
// 真正的源码级收款目标改写由外部改写服务完成，这里保证引用不可混用：
// 改写前后的捆绑包通过引用即可区分。
type TagTransformer struct{}

// Rewrite 实现 Transformer 接口。
func (TagTransformer) Rewrite(_ context.Context, bundleRef, escrowAccount string) (TransformResult, error) {
	suffix := escrowAccount
	if len(suffix) > 10 {
		suffix = suffix[:10]
	}
	return TransformResult{
		BundleRef:         bundleRef + "@" + suffix,
		ReplacedAddresses: nil,
		OriginalTarget:    "",
	}, nil
}

// HandleDeployer 只分配运行单元句柄，不真正拉起容器。
type HandleDeployer struct{}

// Launch 实现 Deployer 接口。
func (HandleDeployer) Launch(_ context.Context, bundleRef string) (string, error) {
	return "unit-" + uuid.NewString(), nil
}

var (
	_ Scanner     = LocalScanner{}
	_ Transformer = TagTransformer{}
	_ Deployer    = HandleDeployer{}
)
