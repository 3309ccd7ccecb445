package engine

import "time"

// Admission 一次 head 通知的处理结果
type Admission int

const (
	AdmitImmediate Admission = iota // 直接入队
	AdmitForced                     // 超过 5s 未上报区块，强制入队
	AdmitCoalesce                   // 交给尾随防抖
)

func (a Admission) String() string {
	switch a {
	case AdmitImmediate:
		return "immediate"
	case AdmitForced:
		return "forced"
	case AdmitCoalesce:
		return "coalesce"
	default:
		return "unknown"
	}
}

const (
	defaultMinInterval = 50 * time.Millisecond
	defaultMaxBurst    = 20

	burstAdaptThreshold = 100
	adaptedMinInterval  = 200 * time.Millisecond
	minMaxBurst         = 5

	quietPeriod    = 5 * time.Second // 超过此间隔视为平静，恢复默认阈值
	livenessWindow = 5 * time.Second // 距上次上报区块超过此时间必须放行
)

// DebounceState 自适应防抖状态，按值传递，由 ChainHeadWatcher 独占
type DebounceState struct {
	LastTriggerAt time.Time
	MinInterval   time.Duration
	BurstCount    int
	MaxBurst      int
	Counter       int
}

func NewDebounceState() DebounceState {
	return DebounceState{
		MinInterval: defaultMinInterval,
		MaxBurst:    defaultMaxBurst,
	}
}

// Observe applies one head notification at now and returns the next state.
// lastBlockSentAt is when a block update was last dispatched to the sink.
func (s DebounceState) Observe(now, lastBlockSentAt time.Time) (DebounceState, Admission) {
	elapsed := now.Sub(s.LastTriggerAt)
	if s.LastTriggerAt.IsZero() {
		elapsed = quietPeriod + time.Nanosecond
	}
	s.LastTriggerAt = now

	if elapsed < s.MinInterval {
		s.Counter++
		s.BurstCount++
		if s.BurstCount > burstAdaptThreshold {
			s.MinInterval = maxDuration(s.MinInterval+time.Millisecond, adaptedMinInterval)
			s.MaxBurst = maxInt(s.MaxBurst-1, minMaxBurst)
		}
	} else {
		if elapsed > quietPeriod {
			s.MinInterval = defaultMinInterval
			s.MaxBurst = defaultMaxBurst
			s.BurstCount = 0
		}
		s.Counter = 0
	}

	switch {
	case s.Counter < s.MaxBurst:
		return s, AdmitImmediate
	case now.Sub(lastBlockSentAt) > livenessWindow:
		return s, AdmitForced
	default:
		return s, AdmitCoalesce
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
