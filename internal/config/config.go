package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"lxmf_group/internal/model"
	"lxmf_group/internal/protocol/filter"
	"lxmf_group/internal/utils/fsutil"
	"lxmf_group/internal/utils/log"
)

const (
	FileName       = "config.cfg"
	OverrideSuffix = ".owr"
	DataFileName   = "data.cfg"
)

var (
	// ErrDefaultConfig is returned on first start, after the default config
	// files were written.
	ErrDefaultConfig = errors.New("default config written")
	ErrDisabled      = errors.New("disabled in config file")
)

// LoadOptions matches the files the relay writes: case-insensitive names,
// "#" comments only after whitespace, and key-only lines.
var LoadOptions = ini.LoadOptions{
	Insensitive:              true,
	AllowBooleanKeys:         true,
	SpaceBeforeInlineComment: true,
}

type (
	Config struct {
		Dir string

		Main         Main
		LXMF         LXMF
		Filter       *filter.Config
		Matterbridge Matterbridge
		Transport    Transport
		Admin        Admin
		Storage      Storage
	}

	Main struct {
		Enabled      bool
		Name         string
		SaveInterval time.Duration
	}

	LXMF struct {
		DestinationName string
		DestinationType string
		DisplayName     string

		Method                model.DeliveryMethod
		PropagationNode       model.PeerAddress
		PropagationNodeActive model.PeerAddress
		PropagationNodeAuto   bool
		TryPropagationOnFail  bool

		AnnounceStartup      bool
		AnnounceStartupDelay time.Duration
		AnnouncePeriodic     bool
		AnnounceInterval     time.Duration
		AnnounceHidden       bool

		SendDelay time.Duration

		SyncStartup      bool
		SyncStartupDelay time.Duration
		SyncPeriodic     bool
		SyncInterval     time.Duration
		SyncLimit        int
	}

	Matterbridge struct {
		API     string
		Gateway string
		Token   string
		Rate    float64
		Timeout time.Duration
	}

	Transport struct {
		URL string
	}

	Admin struct {
		Listen string
	}

	Storage struct {
		Members       string
		MongoURI      string
		MongoDatabase string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		JournalLimit  int
	}
)

func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

func OverridePath(dir string) string {
	return Path(dir) + OverrideSuffix
}

func DataPath(dir string) string {
	return filepath.Join(dir, DataFileName)
}

// Load reads config.cfg and its override from dir. On first start the
// default files are written and ErrDefaultConfig is returned. A config with
// main.enabled off is returned together with ErrDisabled.
func Load(dir string) (*Config, error) {
	path, override := Path(dir), OverridePath(dir)
	if !fsutil.Exists(path) {
		if err := writeDefaults(path, override); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return nil, ErrDefaultConfig
	}

	var others []any
	if fsutil.Exists(override) {
		others = append(others, override)
	}
	f, err := ini.LoadSources(LoadOptions, path, others...)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	if !cfg.Main.Enabled {
		return cfg, ErrDisabled
	}
	return cfg, nil
}

func writeDefaults(path, override string) error {
	if !fsutil.Exists(override) {
		if err := fsutil.WriteFile(override, []byte(ExampleConfigOverride), 0o644); err != nil {
			return err
		}
	}
	return fsutil.WriteFile(path, []byte(ExampleConfig), 0o644)
}

// Parse builds the typed configuration. Missing keys take their defaults.
func Parse(f *ini.File) (*Config, error) {
	cfg := &Config{}

	ms := f.Section("main")
	cfg.Main = Main{
		Enabled:      ms.Key("enabled").MustBool(true),
		Name:         str(ms, "name", "Distribution Group"),
		SaveInterval: minutes(ms, "periodic_save_data_interval", 15),
	}

	lx := f.Section("lxmf")
	cfg.LXMF = LXMF{
		DestinationName:       str(lx, "destination_name", "lxmf"),
		DestinationType:       str(lx, "destination_type", "delivery"),
		DisplayName:           str(lx, "display_name", "Distribution Group"),
		Method:                model.ParseMethod(strings.ToLower(str(lx, "desired_method", "direct"))),
		PropagationNode:       address(lx, "propagation_node"),
		PropagationNodeActive: address(lx, "propagation_node_active"),
		PropagationNodeAuto:   lx.Key("propagation_node_auto").MustBool(false),
		TryPropagationOnFail:  lx.Key("try_propagation_on_fail").MustBool(false),
		AnnounceStartup:       lx.Key("announce_startup").MustBool(false),
		AnnounceStartupDelay:  seconds(lx, "announce_startup_delay", 0),
		AnnouncePeriodic:      lx.Key("announce_periodic").MustBool(false),
		AnnounceInterval:      minutes(lx, "announce_periodic_interval", 120),
		AnnounceHidden:        lx.Key("announce_hidden").MustBool(false),
		SendDelay:             seconds(lx, "send_delay", 0),
		SyncStartup:           lx.Key("sync_startup").MustBool(false),
		SyncStartupDelay:      seconds(lx, "sync_startup_delay", 0),
		SyncPeriodic:          lx.Key("sync_periodic").MustBool(false),
		SyncInterval:          minutes(lx, "sync_periodic_interval", 360),
		SyncLimit:             lx.Key("sync_limit").MustInt(0),
	}

	flt, err := parseFilter(f.Section("message"), lx, cfg.Main.Name, cfg.LXMF.DisplayName)
	if err != nil {
		return nil, err
	}
	cfg.Filter = flt

	mb := f.Section("matterbridge")
	cfg.Matterbridge = Matterbridge{
		API:     str(mb, "api", ""),
		Gateway: str(mb, "gateway", "gateway1"),
		Token:   str(mb, "token", ""),
		Rate:    mb.Key("rate").MustFloat64(0),
		Timeout: seconds(mb, "timeout", 10),
	}

	cfg.Transport = Transport{
		URL: str(f.Section("transport"), "url", "ws://127.0.0.1:4243/lxmf"),
	}
	cfg.Admin = Admin{
		Listen: str(f.Section("admin"), "listen", ""),
	}

	st := f.Section("storage")
	cfg.Storage = Storage{
		Members:       strings.ToLower(str(st, "members", "file")),
		MongoURI:      str(st, "mongo_uri", "mongodb://localhost:27017"),
		MongoDatabase: str(st, "mongo_database", "lxmf_group"),
		RedisAddr:     str(st, "redis_addr", ""),
		RedisPassword: str(st, "redis_password", ""),
		RedisDB:       st.Key("redis_db").MustInt(0),
		JournalLimit:  st.Key("journal_limit").MustInt(100),
	}
	if cfg.Storage.Members != "file" && cfg.Storage.Members != "mongo" {
		return nil, fmt.Errorf("storage.members: unknown backend %q", cfg.Storage.Members)
	}
	return cfg, nil
}

func parseFilter(msg, lx *ini.Section, name, displayName string) (*filter.Config, error) {
	re, replace, err := filter.CompileRegex(str(msg, "send_regex_search", ""), str(msg, "send_regex_replace", ""))
	if err != nil {
		return nil, fmt.Errorf("message.%w", err)
	}
	return &filter.Config{
		RequireSignature: lx.Key("signature_validated").MustBool(false),
		DenyTitle:        list(msg, "deny_title"),
		DenyContent:      list(msg, "deny_content"),
		DenyFields:       list(msg, "deny_fields"),
		Title:            msg.Key("title").MustBool(true),
		Fields:           msg.Key("fields").MustBool(true),
		ReceiveLengthMin: msg.Key("receive_length_min").MustInt(0),
		ReceiveLengthMax: msg.Key("receive_length_max").MustInt(0),
		SendLengthMin:    msg.Key("send_length_min").MustInt(0),
		SendLengthMax:    msg.Key("send_length_max").MustInt(0),
		SendPrefix:       str(msg, "send_prefix", ""),
		SendSuffix:       str(msg, "send_suffix", ""),
		SendSearch:       str(msg, "send_search", ""),
		SendReplace:      str(msg, "send_replace", ""),
		SendRegex:        re,
		SendRegexReplace: replace,
		ServerTimestamp:  strings.EqualFold(str(msg, "timestamp", "client"), "server"),
		Name:             name,
		DisplayName:      displayName,
	}, nil
}

func str(s *ini.Section, key, def string) string {
	if !s.HasKey(key) {
		return def
	}
	return strings.TrimSpace(s.Key(key).String())
}

// list splits a comma separated value, dropping empty entries.
func list(s *ini.Section, key string) []string {
	var out []string
	for _, v := range strings.Split(str(s, key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func seconds(s *ini.Section, key string, def float64) time.Duration {
	return time.Duration(s.Key(key).MustFloat64(def) * float64(time.Second))
}

func minutes(s *ini.Section, key string, def float64) time.Duration {
	return time.Duration(s.Key(key).MustFloat64(def) * float64(time.Minute))
}

// address parses an optional destination hash. Invalid values are logged
// and treated as unset.
func address(s *ini.Section, key string) model.PeerAddress {
	v := str(s, key, "")
	if v == "" {
		return ""
	}
	a, err := model.ParseAddress(v)
	if err != nil {
		log.Error("Invalid address in config", zap.String("key", s.Name()+"."+key), zap.Error(err))
		return ""
	}
	return a
}
