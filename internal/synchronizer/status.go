package synchronizer

import "context"

// InstanceStatus 是实例的诊断快照。
type InstanceStatus struct {
	ID              string `json:"id"`
	State           State  `json:"state"`
	ManifestVersion string `json:"manifest_version"`
	Resources       int    `json:"resources"`
	Core            int    `json:"core"`
	Missing         int    `json:"missing"`
	LastError       string `json:"last_error,omitempty"`
}

// Status 是应用运行时的诊断快照。
type Status struct {
	App     string          `json:"app"`
	Caches  Names           `json:"caches"`
	Active  *InstanceStatus `json:"active,omitempty"`
	Waiting *InstanceStatus `json:"waiting,omitempty"`
}

// Status 汇总 active/waiting 实例状态；active 实例额外统计尚未缓存的资源数。
func (r *Runtime) Status(ctx context.Context) Status {
	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	status := Status{App: r.opts.App, Caches: CacheNames(r.opts.App)}
	if active != nil {
		status.Active = instanceStatus(active)
		if missing, err := active.Missing(ctx); err == nil {
			status.Active.Missing = len(missing)
		} else {
			status.Active.Missing = -1
		}
	}
	if waiting != nil {
		status.Waiting = instanceStatus(waiting)
	}
	return status
}

func instanceStatus(s *Synchronizer) *InstanceStatus {
	st := &InstanceStatus{
		ID:              s.ID(),
		State:           s.State(),
		ManifestVersion: s.manifest.Version(),
		Resources:       s.manifest.Len(),
		Core:            len(s.manifest.Core()),
	}
	if err := s.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
