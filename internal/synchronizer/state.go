package synchronizer

// State 描述实例生命周期：installing → staged → activating → reconciled|failed → active。
// 安装失败的实例进入 redundant，被新实例取代的 active 实例同样进入 redundant。
type State string

const (
	StateInstalling State = "installing"
	StateStaged     State = "staged"
	StateActivating State = "activating"
	StateReconciled State = "reconciled"
	StateFailed     State = "failed"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Source 标识一次 fetch 的响应来源，写入 X-Asset-Hub-Cache 头。
type Source string

const (
	SourceCache    Source = "hit"
	SourceNetwork  Source = "miss"
	SourceOnline   Source = "network"
	SourceFallback Source = "fallback"
)

// Result 是 fetch 信号的处理结果；Handled 为 false 表示拒绝拦截，由调用方直接透传。
type Result struct {
	Handled  bool
	Response *Response
	Source   Source
}
