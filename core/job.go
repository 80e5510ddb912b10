package core

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"
)

// JobKind tells whether a job runs on every instance or under a distributed execution lock.
type JobKind string

const (
	JobKindLocal       JobKind = "LOCAL"
	JobKindDistributed JobKind = "DISTRIBUTED"
)

func (k JobKind) String() string {
	return string(k)
}

// JobMetadata identifies a scheduled job. It is produced once per job by the
// host and never mutated afterwards; Name is the only coordination key.
type JobMetadata struct {
	Name               string  `json:"name"`
	OwnerClass         string  `json:"owner_class"`
	OwnerMethod        string  `json:"owner_method"`
	ScheduleExpression string  `json:"schedule_expression"`
	LockName           string  `json:"lock_name,omitempty"`
	Kind               JobKind `json:"kind"`
}

func (m JobMetadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	switch m.Kind {
	case JobKindLocal:
		if m.LockName != "" {
			return fmt.Errorf("job %s: lock name is only valid for distributed jobs", m.Name)
		}
	case JobKindDistributed:
		if m.LockName == "" {
			return fmt.Errorf("job %s: distributed jobs need a lock name", m.Name)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", m.Name, m.Kind)
	}
	return nil
}

// Distributed returns a copy of the metadata that runs under the given execution lock.
func (m JobMetadata) Distributed(lockName string) JobMetadata {
	m.Kind = JobKindDistributed
	m.LockName = lockName
	return m
}

// DescribeJob builds LOCAL metadata for fn. The owner class and method are
// the package path and function name of fn as reported by the runtime.
func DescribeJob(name string, fn JobFunc, schedule string) JobMetadata {
	ownerClass, ownerMethod := funcOwner(fn)
	return JobMetadata{
		Name:               name,
		OwnerClass:         ownerClass,
		OwnerMethod:        ownerMethod,
		ScheduleExpression: schedule,
		Kind:               JobKindLocal,
	}
}

// EverySchedule renders an interval the way gocron and robfig/cron descriptors spell it.
func EverySchedule(interval time.Duration) string {
	return "@every " + interval.String()
}

func funcOwner(fn JobFunc) (string, string) {
	if fn == nil {
		return "", ""
	}
	rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if rf == nil {
		return "", ""
	}
	full := rf.Name()
	// github.com/org/repo/pkg.(*Type).Method -> github.com/org/repo/pkg, (*Type).Method
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return "", full
	}
	dot += slash + 1
	return full[:dot], full[dot+1:]
}
