package admission

import "context"

// Severity 表示扫描发现的严重程度。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding 是扫描器报告的一条发现。
type Finding struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
}

// ScanReport 汇总一次扫描的结论。
type ScanReport struct {
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasHighSeverity 判断报告中是否存在高危发现。
func (r ScanReport) HasHighSeverity() bool {
	for _, finding := range r.Findings {
		if finding.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Scanner 是静态代码与容器镜像扫描的外部协作方。
// 内部实现不在本核心范围内，只消费通过/不通过加发现列表。
type Scanner interface {
	ScanSource(ctx context.Context, bundleRef string) (ScanReport, error)
	ScanImage(ctx context.Context, unitHandle string) (ScanReport, error)
}

// TransformResult 描述源码改写的结果。
type TransformResult struct {
	BundleRef         string   `json:"bundle_ref"`
	ReplacedAddresses []string `json:"replaced_addresses"`
	OriginalTarget    string   `json:"original_target"`
}

// Transformer 负责改写智能体代码，将收款目标重定向到托管账户。
type Transformer interface {
	Rewrite(ctx context.Context, bundleRef, escrowAccount string) (TransformResult, error)
}

// Deployer 负责构建并启动运行单元，返回运行单元句柄。
type Deployer interface {
	Launch(ctx context.Context, bundleRef string) (string, error)
}
