// Package handlers implements the host operations exposed to plan scripts.
package handlers

// ExecParams describes a process to run.
type ExecParams struct {
	Command string
	Args    []string
	Shell   string
	WorkDir string
	Env     map[string]string
	Stdin   string
}

// ExecResult is the outcome of a finished process.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration float64
}

// FileWriteParams describes a file write.
type FileWriteParams struct {
	Path    string
	Content string
	Mode    string
	Backup  bool
	Create  bool
}

// FileWriteResult reports what a file write did.
type FileWriteResult struct {
	BytesWritten int64
	Created      bool
	BackupPath   string
	Checksum     string
}

// FileReadParams describes a file read.
type FileReadParams struct {
	Path     string
	MaxBytes int64
}

// FileReadResult holds file content and metadata.
type FileReadResult struct {
	Content   string
	Size      int64
	Mode      string
	Owner     string
	Group     string
	Checksum  string
	Truncated bool
}

// ServiceParams describes a systemd unit operation.
type ServiceParams struct {
	Name   string
	Action string
}

// ServiceResult reports the unit state after the operation.
type ServiceResult struct {
	Changed  bool
	Action   string
	Status   string
	Enabled  bool
	SubState string
}

// PackageParams describes a package state change.
type PackageParams struct {
	Name    string
	State   string
	Version string
	Manager string
	Options []string
}

// PackageResult reports what a package operation did.
type PackageResult struct {
	Changed          bool
	Action           string
	Manager          string
	PreviousVersion  string
	InstalledVersion string
}
