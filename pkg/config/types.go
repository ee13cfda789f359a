package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// Config is the service configuration read from a YAML file.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Policy    PolicyConfig    `yaml:"policy"`

	// Inventory lists CUE files or directories describing subnets and
	// ranges. Relative paths are resolved against the config file.
	Inventory []string `yaml:"inventory"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// RuntimeConfig tunes the task runtime.
type RuntimeConfig struct {
	MaxConcurrency    int64         `yaml:"max_concurrency" validate:"gte=1"`
	TaskTTL           time.Duration `yaml:"task_ttl" validate:"gt=0"`
	PurgeInterval     time.Duration `yaml:"purge_interval" validate:"gt=0"`
	AwaitPollInterval time.Duration `yaml:"await_poll_interval" validate:"gt=0"`

	// HandlerLease is how long a process owns a running task. serve takes
	// over tasks whose lease expired, checking once per lease.
	HandlerLease time.Duration `yaml:"handler_lease" validate:"gt=0"`

	// ResumeOnStart re-dispatches unfinished tasks when serve starts.
	ResumeOnStart bool `yaml:"resume_on_start"`
}

// AllocatorConfig tunes the address allocator.
type AllocatorConfig struct {
	// MaxRetryDuration bounds the time spent re-fetching after conflicts.
	// Zero means retries are bounded only by pool exhaustion.
	MaxRetryDuration time.Duration `yaml:"max_retry_duration" validate:"gte=0"`

	ConflictBackoffBase time.Duration `yaml:"conflict_backoff_base" validate:"gt=0,lte=1h"`
	ConflictBackoffMax  time.Duration `yaml:"conflict_backoff_max" validate:"gt=0,lte=1h,gtefield=ConflictBackoffBase"`

	// ReleaseRetention is how long a RELEASED address stays out of the
	// pool before the reclaimer makes it AVAILABLE again.
	ReleaseRetention time.Duration `yaml:"release_retention" validate:"gte=0"`
	ReclaimInterval  time.Duration `yaml:"reclaim_interval" validate:"gt=0"`

	// FanOutLimit bounds concurrent child task creation for network
	// assignments.
	FanOutLimit int `yaml:"fan_out_limit" validate:"gte=1"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists extra .rego or .json policy files and directories.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths when files change.
	Watch bool `yaml:"watch"`

	MaxAddressesPerRequest int    `yaml:"max_addresses_per_request" validate:"gte=0"`
	ResourceLinkPattern    string `yaml:"resource_link_pattern"`
}

// Inventory is the network inventory: subnets and their allocatable
// ranges.
type Inventory struct {
	Subnets []SubnetConfig `json:"subnets" validate:"dive"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists problems found while parsing. An inventory with errors
	// must not be seeded.
	Errors []ValidationError `json:"errors,omitempty"`
}

// SubnetConfig describes one subnet.
type SubnetConfig struct {
	// ID is the subnet identifier used in its link, e.g. "lab" for
	// /resources/subnets/lab.
	ID string `json:"id" validate:"required"`

	Name    string `json:"name,omitempty"`
	CIDR    string `json:"cidr" validate:"required,cidr"`
	Gateway string `json:"gateway,omitempty" validate:"omitempty,ip"`

	// Tenants scopes the subnet's ranges to tenant links.
	Tenants []string `json:"tenants,omitempty"`

	Ranges []RangeConfig `json:"ranges" validate:"required,min=1,dive"`
}

// RangeConfig is an inclusive address range inside a subnet.
type RangeConfig struct {
	ID    string `json:"id" validate:"required"`
	Start string `json:"start" validate:"required,ip"`
	End   string `json:"end" validate:"required,ip"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "subnets.lab.ranges[0]").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
