// Command ctrlrt is the sandboxed controller runtime's IPC sidecar: it
// installs WASM controller modules, steps live sequences through them, and
// exchanges requests/responses over shared memory with an inference engine
// (spec.md §1). Flag surface and branching mirror aicirt's main() exactly,
// generalized from clap to cobra+viper (SPEC_FULL.md §4.0).
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ctrlrt/ctrlrt/internal/bias"
	"github.com/ctrlrt/ctrlrt/internal/config"
	"github.com/ctrlrt/ctrlrt/internal/dispatch"
	"github.com/ctrlrt/ctrlrt/internal/epoch"
	"github.com/ctrlrt/ctrlrt/internal/protocol"
	"github.com/ctrlrt/ctrlrt/internal/registry"
	"github.com/ctrlrt/ctrlrt/internal/sandbox"
	"github.com/ctrlrt/ctrlrt/internal/shm"
	"github.com/ctrlrt/ctrlrt/internal/tokenizer"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "ctrlrt",
		Short: "sandboxed constrained-decoding controller runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			lim, err := config.Resolve(v)
			if err != nil {
				return err
			}
			logger := newLogger(lim.LogLevel)
			slog.SetDefault(logger)
			return run(cmd.Context(), lim, logger)
		},
	}
	config.BindFlags(root.Flags(), v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("ctrlrt exiting", "err", err)
		os.Exit(1)
	}
}

// newLogger builds the process-wide structured logger, level controlled by
// --log-level / CTRLRT_LOG_LEVEL (spec.md §6's "logging level via the
// standard log-level environment variable"). Text-handler output to stderr
// matches the other examples' plain-terminal slog usage.
func newLogger(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})
	return slog.New(h)
}

func run(ctx context.Context, lim *config.Limits, logger *slog.Logger) error {
	if lim.ModulePath != "" {
		return runModuleOnce(ctx, lim, logger)
	}
	if lim.SaveTokenizer != "" {
		return runSaveTokenizer(lim, logger)
	}
	if !lim.Server {
		return fmt.Errorf("missing --server (or --module / --save-tokenizer for one-shot modes)")
	}
	return runServer(ctx, lim, logger)
}

// runSaveTokenizer is the one-shot mode supplementing spec.md per
// SPEC_FULL.md §6: write the built-in byte tokenizer's serialized bytes
// (Tokenizer.Serialize) to a file and exit, matching original_source's
// --save-tokenizer branch.
func runSaveTokenizer(lim *config.Limits, logger *slog.Logger) error {
	tok := tokenizer.NewByteTokenizer()
	if err := tok.Load(); err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	if _, err := tokenizer.BuildGlobalInfo(tok, nil); err != nil {
		return fmt.Errorf("build global info: %w", err)
	}
	if err := os.WriteFile(lim.SaveTokenizer, tok.Serialize(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", lim.SaveTokenizer, err)
	}
	logger.Info("wrote tokenizer", "path", lim.SaveTokenizer, "bytes", len(tok.Serialize()))
	return nil
}

// runModuleOnce is the other supplemented one-shot mode: install (or look
// up, if given a 64-hex-char id) a module and optionally --run it once.
func runModuleOnce(ctx context.Context, lim *config.Limits, logger *slog.Logger) error {
	tok := tokenizer.NewByteTokenizer()
	if err := tok.Load(); err != nil {
		return err
	}
	global, err := tokenizer.BuildGlobalInfo(tok, nil)
	if err != nil {
		return err
	}

	host, err := sandbox.NewHost(ctx, global, sandbox.Limits{
		MaxMemoryBytes: lim.MaxMemoryBytes,
		MaxInitEpochs:  lim.MaxInitEpochs,
		MaxStepEpochs:  lim.MaxStepEpochs,
	})
	if err != nil {
		return err
	}
	defer host.Close(ctx)

	cacheDir := "./cache"
	reg := registry.New(cacheDir, host, tok)

	moduleID := lim.ModulePath
	if !isModuleID(lim.ModulePath) {
		wasmBytes, err := os.ReadFile(lim.ModulePath)
		if err != nil {
			return err
		}
		metaBytes := []byte("null")
		if lim.ModuleMeta != "" {
			metaBytes, err = os.ReadFile(lim.ModuleMeta)
			if err != nil {
				return err
			}
		}
		resp, err := reg.MkModule(ctx, registry.MkModuleReq{
			Binary: encodeBase64(wasmBytes),
			Meta:   metaBytes,
		})
		if err != nil {
			return err
		}
		moduleID = resp.ModuleID
	}
	logger.Info("module ready", "module_id", moduleID)

	if !lim.Run {
		return nil
	}

	wasmBytes, err := reg.LoadWasm(moduleID)
	if err != nil {
		return err
	}
	if err := host.Precompile(ctx, moduleID, wasmBytes); err != nil {
		return err
	}
	inst, err := host.Instantiate(ctx, tok, sandbox.InstantiateOpts{ModuleID: moduleID, SeqID: 42, Config: []byte("{}")})
	if err != nil {
		return err
	}
	defer inst.Close(ctx)

	initCtx, cancel := sandbox.Deadline(ctx, lim.MaxInitEpochs)
	defer cancel()
	_, err = inst.InitPrompt(initCtx, protocol.InitPromptArg{})
	return err
}

func isModuleID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// runServer wires the full shared-memory IPC server: two MessageChannel
// pairs (control-plane "-side" and data-plane default, per aicirt's
// CmdRespChannel naming), the epoch ticker, and the control/data worker
// pools sized per dispatch.PoolSizes.
func runServer(ctx context.Context, lim *config.Limits, logger *slog.Logger) error {
	tok := tokenizer.NewByteTokenizer()
	if err := tok.Load(); err != nil {
		return err
	}
	global, err := tokenizer.BuildGlobalInfo(tok, nil)
	if err != nil {
		return err
	}

	sbLimits := sandbox.Limits{
		MaxMemoryBytes: lim.MaxMemoryBytes,
		MaxInitEpochs:  lim.MaxInitEpochs,
		MaxStepEpochs:  lim.MaxStepEpochs,
	}
	host, err := sandbox.NewHost(ctx, global, sbLimits)
	if err != nil {
		return err
	}
	defer host.Close(ctx)

	reg := registry.New("./cache", host, tok)

	vocabBlockLen := bias.SlotSize(global.VocabSize)
	binRegion, err := shm.OpenRegion(lim.Name+"bin", int(lim.BinSizeBytes))
	if err != nil {
		return &protocol.FatalRuntimeError{Msg: "open bin shm region", Err: err}
	}
	defer binRegion.Close()

	arena, err := bias.NewArena(binRegion.Bytes(), vocabBlockLen)
	if err != nil {
		return &protocol.FatalRuntimeError{Msg: "carve bias arena", Err: err}
	}

	tk := epoch.NewTicker(sandbox.EpochDuration)
	go tk.Run(ctx)
	defer tk.Stop()

	bgCores, stepCores := dispatch.PoolSizes(dispatch.DefaultCores())

	// One set of four real POSIX shared-memory rings, per spec.md §6: the
	// "-side" pair feeds the control-plane pool (mk_module/instantiate/
	// tokens), the plain cmd/resp pair feeds the data-plane pool (step).
	channels, err := shm.OpenChannels(lim.Name, int(lim.JSONSizeBytes))
	if err != nil {
		return &protocol.FatalRuntimeError{Msg: "open shm channels", Err: err}
	}
	defer channels.Close()

	regExec := &registryExec{reg: reg, global: global}
	regChannels := &shm.Channels{Cmd: channels.CmdSide, Resp: channels.RespSide}
	regDispatcher := dispatch.New(regChannels, regExec, bgCores, func() { os.Exit(0) }, logger.With("pool", "bg"), false)

	stepExec := newStepExec(reg, sbLimits, arena, global)
	stepChannels := &shm.Channels{Cmd: channels.Cmd, Resp: channels.Resp}
	stepDispatcher := dispatch.New(stepChannels, stepExec, stepCores, func() { os.Exit(0) }, logger.With("pool", "step"), true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return regDispatcher.Run(gctx) })
	g.Go(func() error { return stepDispatcher.Run(gctx) })

	logger.Info("ctrlrt serving", "bg_workers", bgCores, "step_workers", stepCores)
	return g.Wait()
}
