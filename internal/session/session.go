package session

import "time"

// DevServer is the optional auxiliary dev server attached to a session.
type DevServer struct {
	Port    int    `yaml:"port"`
	Command string `yaml:"command"`
	Running bool   `yaml:"running"`
	// Window is the multiplexer window hosting the server process.
	Window string `yaml:"window,omitempty"`
}

// Session is the engine-managed runtime record for one task. There is at
// most one Session per TaskID. WorkspacePath and TmuxSession are set and
// cleared together.
type Session struct {
	TaskID        string     `yaml:"task_id"`
	State         State      `yaml:"state"`
	WorkspacePath string     `yaml:"workspace_path,omitempty"`
	TmuxSession   string     `yaml:"tmux_session,omitempty"`
	Branch        string     `yaml:"branch,omitempty"`
	StartedAt     *time.Time `yaml:"started_at,omitempty"`
	RunID         string     `yaml:"run_id,omitempty"`
	DevServer     *DevServer `yaml:"dev_server,omitempty"`
	LastError     string     `yaml:"last_error,omitempty"`
	UpdatedAt     time.Time  `yaml:"updated_at"`
}

// New returns an Idle session for taskID.
func New(taskID string) *Session {
	return &Session{TaskID: taskID, State: StateIdle}
}

// Clone returns a deep copy safe to hand to callers outside the owner's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.DevServer != nil {
		d := *s.DevServer
		c.DevServer = &d
	}
	return &c
}

// HasResources reports whether the workspace/multiplexer pair is recorded.
func (s *Session) HasResources() bool {
	return s.WorkspacePath != "" || s.TmuxSession != ""
}

// ClearResources forgets the workspace/multiplexer pair and run metadata.
func (s *Session) ClearResources() {
	s.WorkspacePath = ""
	s.TmuxSession = ""
	s.Branch = ""
	s.StartedAt = nil
	s.RunID = ""
	s.DevServer = nil
}

// Uptime returns how long the session has been running, or zero.
func (s *Session) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return now.Sub(*s.StartedAt)
}
