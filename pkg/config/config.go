package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coldstor/caskd/pkg/types"
)

// Recognized option keys. Sections use the viper dotted form; the on-disk
// YAML mirrors the same hierarchy.
const (
	KeyLockFile    = "lrs.lock_file"
	KeyMountPrefix = "lrs.mount_prefix"
	KeyFamilies    = "lrs.families"
	KeyServerAddr  = "lrs.server_addr"

	KeySCSIRetryCount     = "scsi.retry_count"
	KeySCSIRetryShort     = "scsi.retry_short"
	KeySCSIRetryLong      = "scsi.retry_long"
	KeySCSIQueryTimeout   = "scsi.query_timeout_ms"
	KeySCSIMoveTimeout    = "scsi.move_timeout_ms"
	KeySCSIInquiryTimeout = "scsi.inquiry_timeout_ms"
	KeySCSIMaxElementStatus = "scsi.max_element_status"

	KeyLTFSCmdMount = "ltfs.cmd_mount"

	KeyTLCHostname = "tlc.hostname"
	KeyTLCPort     = "tlc.port"

	KeyTapeSupportedModels = "tape_model.supported_list"
	KeyTapeTechnologies    = "tape_model.technologies"
)

// Defaults applied before reading the config file.
var defaults = map[string]any{
	KeyLockFile:             "/run/caskd/caskd.lock",
	KeyMountPrefix:          "/mnt/caskd.",
	KeyFamilies:             "tape",
	KeyServerAddr:           "/run/caskd/lrs.sock",
	KeySCSIRetryCount:       5,
	KeySCSIRetryShort:       1,
	KeySCSIRetryLong:        5,
	KeySCSIQueryTimeout:     1000,
	KeySCSIMoveTimeout:      300000,
	KeySCSIInquiryTimeout:   10,
	KeySCSIMaxElementStatus: 0,
	KeyLTFSCmdMount:         "ltfs",
	KeyTLCHostname:          "localhost",
	KeyTLCPort:              20123,
	KeyTapeTechnologies:     "LTO5,LTO6,LTO7,LTO8,LTO9",
}

// Config is the loaded, validated daemon configuration.
type Config struct {
	v *viper.Viper
}

// Load reads path (optional) plus CASKD_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("CASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{v: v}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lockDir := filepath.Dir(c.LockFile())
	if fi, err := os.Stat(lockDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("lock file directory %s does not exist", lockDir)
	}
	if _, err := c.Families(); err != nil {
		return err
	}
	port := c.v.GetInt(KeyTLCPort)
	if port < 0 || port > 65535 {
		return fmt.Errorf("tlc port %d out of range [0, 65535]", port)
	}
	for _, fam := range c.MustFamilies() {
		algo := c.DispatchAlgo(fam)
		switch algo {
		case "fifo", "grouped_read", "fair_share":
		default:
			return fmt.Errorf("unknown dispatch algorithm %q for family %s", algo, fam)
		}
	}
	return nil
}

// LockFile returns the startup mutual-exclusion file path.
func (c *Config) LockFile() string { return c.v.GetString(KeyLockFile) }

// MountPrefix returns the root of per-drive mount points.
func (c *Config) MountPrefix() string { return c.v.GetString(KeyMountPrefix) }

// ServerAddr returns the client listening address, either a socket path or
// a "host:port" pair.
func (c *Config) ServerAddr() string { return c.v.GetString(KeyServerAddr) }

// Families returns the resource families managed by this daemon.
func (c *Config) Families() ([]types.Family, error) {
	raw := strings.Split(c.v.GetString(KeyFamilies), ",")
	families := make([]types.Family, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		fam, err := types.ParseFamily(s)
		if err != nil {
			return nil, err
		}
		families = append(families, fam)
	}
	if len(families) == 0 {
		return nil, fmt.Errorf("no resource family configured")
	}
	return families, nil
}

// MustFamilies is Families for contexts validated at startup.
func (c *Config) MustFamilies() []types.Family {
	families, err := c.Families()
	if err != nil {
		panic(err)
	}
	return families
}

// DispatchAlgo returns the dispatch algorithm configured for a family.
func (c *Config) DispatchAlgo(fam types.Family) string {
	key := fmt.Sprintf("io_sched.%s.dispatch_algo", fam)
	if c.v.IsSet(key) {
		return c.v.GetString(key)
	}
	return "fifo"
}

// ReadAlgo returns the read-pipeline algorithm for a family.
func (c *Config) ReadAlgo(fam types.Family) string {
	key := fmt.Sprintf("io_sched.%s.read_algo", fam)
	if c.v.IsSet(key) {
		return c.v.GetString(key)
	}
	return c.DispatchAlgo(fam)
}

// RetryPolicy returns (count, short delay, long delay) for SCSI retries.
func (c *Config) RetryPolicy() (int, time.Duration, time.Duration) {
	return c.v.GetInt(KeySCSIRetryCount),
		time.Duration(c.v.GetInt(KeySCSIRetryShort)) * time.Second,
		time.Duration(c.v.GetInt(KeySCSIRetryLong)) * time.Second
}

// QueryTimeout returns the library query deadline.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.v.GetInt(KeySCSIQueryTimeout)) * time.Millisecond
}

// MoveTimeout returns the media move deadline.
func (c *Config) MoveTimeout() time.Duration {
	return time.Duration(c.v.GetInt(KeySCSIMoveTimeout)) * time.Millisecond
}

// InquiryTimeout returns the SCSI inquiry deadline.
func (c *Config) InquiryTimeout() time.Duration {
	return time.Duration(c.v.GetInt(KeySCSIInquiryTimeout)) * time.Millisecond
}

// MaxElementStatus returns the chunk cap for bulk element status, 0 for
// no chunking.
func (c *Config) MaxElementStatus() int { return c.v.GetInt(KeySCSIMaxElementStatus) }

// LTFSCmdMount returns the LTFS mount command override.
func (c *Config) LTFSCmdMount() string { return c.v.GetString(KeyLTFSCmdMount) }

// TLCAddr returns the tape library controller endpoint.
func (c *Config) TLCAddr() string {
	return fmt.Sprintf("%s:%d", c.v.GetString(KeyTLCHostname), c.v.GetInt(KeyTLCPort))
}

// SyncParams holds the per-family synchronization thresholds.
type SyncParams struct {
	Time  time.Duration // oldest pending release age triggering a sync
	NbReq int           // pending release count triggering a sync
	WSize int64         // written kilobytes triggering a sync
}

// Sync returns the synchronization thresholds for a family.
func (c *Config) Sync(fam types.Family) SyncParams {
	prefix := fmt.Sprintf("lrs.sync.%s.", fam)
	p := SyncParams{Time: 10 * time.Second, NbReq: 5, WSize: 1 << 20}
	if c.v.IsSet(prefix + "sync_time_ms") {
		p.Time = time.Duration(c.v.GetInt(prefix+"sync_time_ms")) * time.Millisecond
	}
	if c.v.IsSet(prefix + "sync_nb_req") {
		p.NbReq = c.v.GetInt(prefix + "sync_nb_req")
	}
	if c.v.IsSet(prefix + "sync_wsize_kb") {
		p.WSize = c.v.GetInt64(prefix + "sync_wsize_kb")
	}
	return p
}

// SupportedTapeModels returns the configured tape model whitelist.
func (c *Config) SupportedTapeModels() []string {
	raw := c.v.GetString(KeyTapeSupportedModels)
	if raw == "" {
		return nil
	}
	models := strings.Split(raw, ",")
	for i := range models {
		models[i] = strings.TrimSpace(models[i])
	}
	return models
}

// Technologies returns the known tape generations, in declaration order.
func (c *Config) Technologies() []string {
	raw := strings.Split(c.v.GetString(KeyTapeTechnologies), ",")
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Technology resolves a drive or tape model to its technology generation
// using the drive_type "<techno>_drive" model lists. Model matching is
// case-sensitive.
func (c *Config) Technology(model string) (string, error) {
	for _, techno := range c.Technologies() {
		key := fmt.Sprintf("drive_type.%s_drive.models", techno)
		for _, m := range strings.Split(c.v.GetString(key), ",") {
			if strings.TrimSpace(m) == model {
				return techno, nil
			}
		}
	}
	return "", fmt.Errorf("model %q not found in any drive_type section: %w", model, errNoTechno)
}

var errNoTechno = fmt.Errorf("no technology mapping")

// FairShareBounds returns the (min, max) triplets configured for a
// technology, in (format, write, read) order.
func (c *Config) FairShareBounds(fam types.Family, techno string) (min, max [3]int) {
	prefix := fmt.Sprintf("io_sched_%s.fair_share_%s_", fam, techno)
	parse := func(key string, out *[3]int) {
		parts := strings.Split(c.v.GetString(key), ",")
		if len(parts) != 3 {
			return
		}
		for i, p := range parts {
			fmt.Sscanf(strings.TrimSpace(p), "%d", &out[i])
		}
	}
	max = [3]int{1 << 30, 1 << 30, 1 << 30}
	if c.v.IsSet(prefix + "min") {
		parse(prefix+"min", &min)
	}
	if c.v.IsSet(prefix + "max") {
		parse(prefix+"max", &max)
	}
	return min, max
}
