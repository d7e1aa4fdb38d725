// Package planstore keeps the agent's durable on-disk state.
//
// Layout under the plans directory:
//
//	<id>.json              pending or resumable plan
//	<id>.json.result.tmp   checkpoint of a running plan
//	<id>.json.result       finished result, pending upload
//	<id>.json.route        reply-to routing key captured at intake
//	stamp.txt              dedup watermark
//
// A plan file present means the plan has not finished. A result file without
// its plan file means the result still has to be uploaded.
package planstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// File name parts.
const (
	PlanExt          = ".json"
	ResultSuffix     = ".result"
	CheckpointSuffix = ".result.tmp"
	RouteSuffix      = ".route"
	StampFile        = "stamp.txt"
)

const filePerm os.FileMode = 0o600

// Store manages plan, checkpoint, result and stamp files in one directory.
type Store struct {
	dir string
	log *telemetry.Logger

	mu          sync.Mutex
	stamp       int64
	stampLoaded bool
}

// New opens the store rooted at dir, creating the directory if needed.
func New(dir string, log *telemetry.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("plans directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create plans directory: %w", err)
	}
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Store{dir: dir, log: log.NewComponentLogger("planstore")}, nil
}

// Dir returns the plans directory.
func (s *Store) Dir() string {
	return s.dir
}

// PlanPath returns the plan file path for id.
func (s *Store) PlanPath(id string) string {
	return filepath.Join(s.dir, id+PlanExt)
}

// ResultPath returns the final result path for a plan file.
func ResultPath(planPath string) string {
	return planPath + ResultSuffix
}

// CheckpointPath returns the in-progress result path for a plan file.
func CheckpointPath(planPath string) string {
	return planPath + CheckpointSuffix
}

// RoutePath returns the reply-to sidecar path for a plan file.
func RoutePath(planPath string) string {
	return planPath + RouteSuffix
}

// PlanPathForResult returns the plan file a result file belongs to.
func PlanPathForResult(resultPath string) string {
	return strings.TrimSuffix(resultPath, ResultSuffix)
}

// IDFromPath returns the plan id encoded in a plan, result or checkpoint path.
func IDFromPath(path string) string {
	name := filepath.Base(path)
	for _, suffix := range []string{CheckpointSuffix, ResultSuffix, RouteSuffix} {
		name = strings.TrimSuffix(name, suffix)
	}
	return strings.TrimSuffix(name, PlanExt)
}

// StagePlan durably writes an inbound plan as <id>.json and returns its path.
// An empty id stages under engine.UnknownID. A non-empty replyTo is kept in a
// sidecar file so the result can be routed after a restart.
func (s *Store) StagePlan(id string, body []byte, replyTo string) (string, error) {
	if id == "" {
		id = engine.UnknownID
	}
	if err := ValidateID(id); err != nil {
		return "", engine.NewPlanError("rejected message id", err).WithCode(engine.ErrCodeInvalidID)
	}

	path := s.PlanPath(id)
	if replyTo != "" {
		if err := AtomicWrite(RoutePath(path), []byte(replyTo), filePerm); err != nil {
			return "", err
		}
	} else if err := removeIfExists(RoutePath(path)); err != nil {
		return "", err
	}

	if err := AtomicWrite(path, body, filePerm); err != nil {
		return "", err
	}
	return path, nil
}

// WritePlan overwrites a plan file.
func (s *Store) WritePlan(path string, data []byte) error {
	return AtomicWrite(path, data, filePerm)
}

// RemovePlan deletes a plan file. A missing file is not an error.
func (s *Store) RemovePlan(path string) error {
	return removeIfExists(path)
}

// PendingPlans lists plan files in name order.
func (s *Store) PendingPlans() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+PlanExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// OrphanResults lists final result files whose plan file is gone, in name order.
func (s *Store) OrphanResults() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+PlanExt+ResultSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	orphans := make([]string, 0, len(matches))
	for _, resultPath := range matches {
		ok, err := exists(PlanPathForResult(resultPath))
		if err != nil {
			return nil, err
		}
		if !ok {
			orphans = append(orphans, resultPath)
		}
	}
	return orphans, nil
}

// ReadCheckpoint returns the checkpoint of a running plan.
// The error wraps os.ErrNotExist when there is none.
func (s *Store) ReadCheckpoint(planPath string) ([]byte, error) {
	return os.ReadFile(CheckpointPath(planPath))
}

// WriteCheckpoint durably overwrites the checkpoint of a running plan.
func (s *Store) WriteCheckpoint(planPath string, data []byte) error {
	return AtomicWrite(CheckpointPath(planPath), data, filePerm)
}

// RemoveCheckpoint deletes the checkpoint file.
func (s *Store) RemoveCheckpoint(planPath string) error {
	return removeIfExists(CheckpointPath(planPath))
}

// WriteResult durably overwrites the final result of a plan.
func (s *Store) WriteResult(planPath string, data []byte) error {
	return AtomicWrite(ResultPath(planPath), data, filePerm)
}

// ReadResult reads a final result file.
func (s *Store) ReadResult(resultPath string) ([]byte, error) {
	return os.ReadFile(resultPath)
}

// RemoveResult deletes a result file along with the plan's route sidecar.
func (s *Store) RemoveResult(resultPath string) error {
	planPath := PlanPathForResult(resultPath)
	if err := removeIfExists(RoutePath(planPath)); err != nil {
		return err
	}
	return removeIfExists(resultPath)
}

// RemoveRoute deletes the reply-to sidecar of a plan.
func (s *Store) RemoveRoute(planPath string) error {
	return removeIfExists(RoutePath(planPath))
}

// ReadRoute returns the reply-to captured for a plan, or "".
func (s *Store) ReadRoute(planPath string) string {
	data, err := os.ReadFile(RoutePath(planPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Stamp returns the dedup watermark. The file is read once and cached; a
// missing or unparsable file yields 0.
func (s *Store) Stamp() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stampLoaded {
		return s.stamp, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, StampFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.stamp = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read stamp: %w", err)
	default:
		v, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			s.log.WithError(perr).Warn("stamp file is not an integer, treating as 0")
			v = 0
		}
		s.stamp = v
	}

	s.stampLoaded = true
	return s.stamp, nil
}

// SetStamp persists a new dedup watermark and updates the cache.
func (s *Store) SetStamp(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := AtomicWrite(filepath.Join(s.dir, StampFile), []byte(strconv.FormatInt(v, 10)), filePerm); err != nil {
		return fmt.Errorf("failed to write stamp: %w", err)
	}
	s.stamp = v
	s.stampLoaded = true
	return nil
}
