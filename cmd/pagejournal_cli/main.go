// Command pagejournal_cli inspects and operates on a pagejournal data
// directory: an interactive shell over a live store, journal dumps, offline
// recovery and content digests.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/sushant-115/pagejournal/config"
	storageengine "github.com/sushant-115/pagejournal/core/storage_engine"
	"github.com/sushant-115/pagejournal/pkg/logger"
	"github.com/sushant-115/pagejournal/pkg/telemetry"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	DataDir  string `name:"data-dir" short:"d" help:"Data directory (overrides storage.data_dir)" type:"path"`
	LogLevel string `name:"log-level" help:"Log level (overrides logger.level)"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Shell   ShellCmd   `cmd:"" default:"1" help:"Interactive shell over an open store"`
	Dump    DumpCmd    `cmd:"" help:"Print the records of a journal file"`
	Recover RecoverCmd `cmd:"" help:"Replay pending journals into the backing files"`
	Digest  DigestCmd  `cmd:"" help:"Print the BLAKE3 digest of a resource's content"`
	Config  ConfigCmd  `cmd:"" help:"Print the effective configuration"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// env is what a command needs to run against a data directory.
type env struct {
	cfg      config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	closeFns []func() error
}

func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, err
	}
	if g.DataDir != "" {
		cfg.Storage.DataDir = g.DataDir
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	return cfg, nil
}

func (g *Globals) setup() (*env, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: log,
		tel:    tel,
		closeFns: []func() error{
			func() error { return shutdown(context.Background()) },
			closeLog,
		},
	}, nil
}

func (e *env) openStore(readOnly bool) (*storageengine.Store, error) {
	opts := e.cfg.Storage
	if readOnly {
		opts.ReadOnly = true
	}
	return storageengine.Open(opts, e.logger, e.tel)
}

func (e *env) close() error {
	var errs []error
	for _, fn := range e.closeFns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConfigCmd prints the merged configuration as YAML.
type ConfigCmd struct{}

func (c *ConfigCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("pagejournal_cli %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pagejournal_cli"),
		kong.Description("Operate on a journaled page store."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
