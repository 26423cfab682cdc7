package jsondb

import (
	"log/slog"
)

const (
	DefaultIndexFieldValueSize   = 512
	DefaultChangeFeedMaxFileSize = 64 * 1024 * 1024
)

// Config holds everything an Engine needs; zero values pick defaults.
type Config struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed (no fsync, small mmap).
	IsTesting bool
	MmapSize  int

	// IndexFieldValueSize limits indexed strings, in UTF-16 code units.
	IndexFieldValueSize int

	// ViewTypes are object types maintained by Map/Reduce definitions, in
	// addition to the ones declared by View objects.
	ViewTypes []string

	AccessControl AccessControl
	Validator     Validator
	Quota         QuotaChecker

	// ChangeFeedDir enables the change feed when non-empty.
	ChangeFeedDir         string
	ChangeFeedMaxFileSize int64

	// OnCriticalError is called for consistency failures after logging.
	OnCriticalError func(err error)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IndexFieldValueSize <= 0 {
		c.IndexFieldValueSize = DefaultIndexFieldValueSize
	}
	if c.AccessControl == nil {
		c.AccessControl = AllowAll{}
	}
	if c.Quota == nil {
		c.Quota = Unlimited{}
	}
	if c.ChangeFeedMaxFileSize <= 0 {
		c.ChangeFeedMaxFileSize = DefaultChangeFeedMaxFileSize
	}
}

// Owner identifies the principal performing an operation. The zero value is
// the system owner.
type Owner struct {
	ID    string
	Quota int64 // bytes; 0 means no quota
}

func (o Owner) IsSystem() bool { return o.ID == "" }

// AccessControl decides whether owner may perform op ("read", "write",
// "setOwner") on obj.
type AccessControl interface {
	IsAllowed(owner Owner, obj Object, partition, op string) bool
}

type AllowAll struct{}

func (AllowAll) IsAllowed(Owner, Object, string, string) bool { return true }

// AccessControlFunc adapts a function to AccessControl.
type AccessControlFunc func(owner Owner, obj Object, partition, op string) bool

func (f AccessControlFunc) IsAllowed(owner Owner, obj Object, partition, op string) bool {
	return f(owner, obj, partition, op)
}

// Validator checks objects before they are persisted. A nil error means valid.
type Validator interface {
	Validate(typeName string, obj Object) error
}

// QuotaChecker is consulted for owners with a quota; delta is the size
// change of the write in bytes.
type QuotaChecker interface {
	CheckQuota(owner Owner, delta int) bool
}

type Unlimited struct{}

func (Unlimited) CheckQuota(Owner, int) bool { return true }
