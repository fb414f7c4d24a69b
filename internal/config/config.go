// Package config resolves the CLI limits struct (spec.md §6) from flags and
// CTRLRT_-prefixed environment variables via viper, mirroring the teacher's
// own flag-driven CLI surface (cmd/wazero in tetratelabs/wazero) generalized
// to cobra+viper the way bennypowers-cem and steveyegge-beads bind theirs.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const megabyte = 1024 * 1024

// Limits mirrors aicirt's AiciLimits plus the buffer-size and naming flags
// from its Cli struct.
type Limits struct {
	MaxMemoryBytes uint64
	MaxInitEpochs  uint64
	MaxStepEpochs  uint64

	JSONSizeBytes uint64
	BinSizeBytes  uint64

	Name string

	Tokenizer     string
	SaveTokenizer string
	ModulePath    string
	ModuleMeta    string
	Run           bool
	Server        bool

	LogLevel string
}

// EpochMS is the logical-clock tick duration the *Epochs fields are counted
// in (original_source's WASMTIME_EPOCH_MS).
const EpochMS = 1

// BindFlags registers every CLI flag onto fs and binds it through v so
// CTRLRT_WASM_MAX_MEMORY etc. environment variables override defaults,
// matching viper's standard AutomaticEnv + SetEnvKeyReplacer pattern.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Uint64("wasm-max-memory", 64, "maximum WASM module memory in megabytes")
	fs.Uint64("wasm-max-step-time", 50, "maximum time a module can spend in one step, in milliseconds")
	fs.Uint64("wasm-max-init-time", 1000, "maximum time a module can spend in init, in milliseconds")
	fs.Uint64("json-size", 8, "size of the JSON comm buffer in megabytes")
	fs.Uint64("bin-size", 16, "size of the binary comm buffer in megabytes")
	fs.String("name", "/aici0-", "shared memory / semaphore name prefix")
	fs.String("tokenizer", "llama", "tokenizer name (currently unused: the built-in byte-level tokenizer is always loaded)")
	fs.String("save-tokenizer", "", "write the tokenizer's serialized bytes to this path and exit")
	fs.StringP("module", "m", "", "path to a .wasm module, or a 64-hex-char module id already in cache")
	fs.String("module-meta", "", "path to JSON metadata for the module given by --module")
	fs.Bool("run", false, "run the module's aici_init_prompt once after installing it")
	fs.BoolP("server", "s", false, "run the shared-memory IPC server")
	fs.String("log-level", "info", "log level: debug, info, warn, or error (env CTRLRT_LOG_LEVEL)")

	v.SetEnvPrefix("ctrlrt")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
}

// Resolve reads bound values out of v into a validated Limits.
func Resolve(v *viper.Viper) (*Limits, error) {
	l := &Limits{
		MaxMemoryBytes: v.GetUint64("wasm-max-memory") * megabyte,
		MaxInitEpochs:  v.GetUint64("wasm-max-init-time")/EpochMS + 1,
		MaxStepEpochs:  v.GetUint64("wasm-max-step-time")/EpochMS + 1,
		JSONSizeBytes:  v.GetUint64("json-size") * megabyte,
		BinSizeBytes:   v.GetUint64("bin-size") * megabyte,
		Name:           v.GetString("name"),
		Tokenizer:      v.GetString("tokenizer"),
		SaveTokenizer:  v.GetString("save-tokenizer"),
		ModulePath:     v.GetString("module"),
		ModuleMeta:     v.GetString("module-meta"),
		Run:            v.GetBool("run"),
		Server:         v.GetBool("server"),
		LogLevel:       v.GetString("log-level"),
	}
	if !strings.HasPrefix(l.Name, "/") {
		return nil, fmt.Errorf("config: --name must start with \"/\", got %q", l.Name)
	}
	return l, nil
}

// ParseLogLevel maps the --log-level/CTRLRT_LOG_LEVEL string onto a slog
// level, defaulting to info for an empty or unrecognized value rather than
// failing startup over a logging knob.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
