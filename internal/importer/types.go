package importer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action selects how the service applies an import to an existing dataset.
type Action string

// Supported import actions.
const (
	ActionOverwrite Action = "overwrite"
	ActionAppend    Action = "append"
)

// ParseAction normalizes a user-supplied action. Empty input maps to ActionOverwrite.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ActionOverwrite):
		return ActionOverwrite, nil
	case string(ActionAppend):
		return ActionAppend, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, raw)
	}
}

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	return a == ActionOverwrite || a == ActionAppend
}

// ImportRequest is everything one upload attempt needs. It is a value type; callers build
// it once and hand it to a pipeline.
type ImportRequest struct {
	OrganizationID     string `json:"organization_id"`
	UserName           string `json:"user_name"`
	Password           string `json:"-"`
	DataFilePath       string `json:"data_file_path"`
	DescriptorFilePath string `json:"descriptor_file_path"`
	Action             Action `json:"action"`
	RunInBackground    bool   `json:"run_in_background"`
	NotifyByEmail      bool   `json:"notify_by_email"`
	ShareWithAllUsers  bool   `json:"share_with_all_users"`
}

// Validate rejects requests that cannot possibly succeed.
func (r ImportRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.OrganizationID) == "" {
		problems = append(problems, "organization id is required")
	}
	if strings.TrimSpace(r.UserName) == "" {
		problems = append(problems, "user name is required")
	}
	if strings.TrimSpace(r.DataFilePath) == "" {
		problems = append(problems, "data file path is required")
	}
	if strings.TrimSpace(r.DescriptorFilePath) == "" {
		problems = append(problems, "descriptor file path is required")
	}
	if !r.Action.Valid() {
		problems = append(problems, fmt.Sprintf("unknown action %q", r.Action))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Credentials returns the login half of the request.
func (r ImportRequest) Credentials() Credentials {
	return Credentials{
		OrganizationID: r.OrganizationID,
		UserName:       r.UserName,
		Password:       r.Password,
	}
}

// Options returns the import options carried on the upload call.
func (r ImportRequest) Options() Options {
	return Options{
		Action:            r.Action,
		RunInBackground:   r.RunInBackground,
		NotifyByEmail:     r.NotifyByEmail,
		ShareWithAllUsers: r.ShareWithAllUsers,
	}
}

// Paths lists the files bundled into the archive, data file first.
func (r ImportRequest) Paths() []string {
	return []string{r.DataFilePath, r.DescriptorFilePath}
}

// Credentials identifies the account used to open a session.
type Credentials struct {
	OrganizationID string
	UserName       string
	Password       string
}

// Options are the import switches encoded as upload request parameters.
type Options struct {
	Action            Action `json:"action"`
	RunInBackground   bool   `json:"run_in_background"`
	NotifyByEmail     bool   `json:"notify_by_email"`
	ShareWithAllUsers bool   `json:"share_with_all_users"`
}

// ClusterInfo is the network location assigned to an organization. Scheme keeps the
// directory service's form, e.g. "https://".
type ClusterInfo struct {
	Host   string `json:"host"`
	Scheme string `json:"scheme"`
}

// BaseURL joins scheme and host.
func (c ClusterInfo) BaseURL() string {
	return c.Scheme + c.Host
}

// Validate checks that both fields are populated and the scheme is understood.
func (c ClusterInfo) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("cluster host is empty")
	}
	switch c.Scheme {
	case "http://", "https://":
		return nil
	default:
		return fmt.Errorf("unsupported cluster protocol %q", c.Scheme)
	}
}

// Session is the opaque login credential issued by the service.
type Session struct {
	Token      string
	CookieName string
	Cluster    ClusterInfo
}

// ArchiveEntry describes one file stored in an archive.
type ArchiveEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ArchiveHandle points at a temporary archive on the local filesystem.
type ArchiveHandle struct {
	Path    string         `json:"path"`
	Size    int64          `json:"size"`
	Digest  string         `json:"digest,omitempty"`
	Entries []ArchiveEntry `json:"entries"`
}

// Response is what the service returned for an accepted upload.
type Response struct {
	StatusCode int
	Body       string
	Truncated  bool
}

// Result summarizes a finished pipeline run. BodyTruncated marks a Body cut at the
// client's response size limit.
type Result struct {
	RunID         string        `json:"run_id"`
	StatusCode    int           `json:"status_code"`
	Body          string        `json:"body"`
	BodyTruncated bool          `json:"body_truncated,omitempty"`
	Cluster       ClusterInfo   `json:"cluster"`
	Archive       ArchiveHandle `json:"archive"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}
