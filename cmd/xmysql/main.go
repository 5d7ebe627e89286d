package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/go-mizu/xmysql"
	_ "github.com/go-mizu/xmysql/drivers/all"
)

var log = logging.Logger("xmysql-cli")

// adhoc is the table type statements typed on the command line run against.
type adhoc struct{}

var configFlag = cli.StringFlag{
	Name:      "config",
	Aliases:   []string{"c"},
	Usage:     "path to a .yaml, .yml or .toml config file",
	EnvVars:   []string{"XMYSQL_CONFIG"},
	TakesFile: true,
	Required:  true,
}

var timeoutFlag = cli.DurationFlag{
	Name:  "timeout",
	Usage: "give up after this long",
	Value: 10 * time.Second,
}

func main() {
	xmysql.Table[adhoc]()

	app := &cli.App{
		Name:  "xmysql",
		Usage: "check and exercise an xmysql database config",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			if err := logging.SetLogLevel("xmysql-cli", cctx.String("log-level")); err != nil {
				return err
			}
			return logging.SetLogLevel("xmysql", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			checkCmd,
			pingCmd,
			execCmd,
		},
	}

	sort.Sort(cli.CommandsByName(app.Commands))
	for _, c := range app.Commands {
		sort.Sort(cli.FlagsByName(c.Flags))
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "load and validate a config, then print its DSN with the password masked",
	Flags: []cli.Flag{&configFlag},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, cfg.MaskedDSN())
		return nil
	},
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "open a connection and ping the database",
	Flags: []cli.Flag{&configFlag, &timeoutFlag},
	Action: func(cctx *cli.Context) error {
		client, err := openClient(cctx)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		start := time.Now()
		if err := client.Ping(ctx); err != nil {
			return xerrors.Errorf("ping: %w", err)
		}
		fmt.Fprintf(cctx.App.Writer, "ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var execCmd = &cli.Command{
	Name:      "exec",
	Usage:     "run one insert, update or delete statement and print the result as JSON",
	ArgsUsage: "<insert|update|delete> <sql> [values...]",
	Flags:     []cli.Flag{&configFlag, &timeoutFlag},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 {
			return xerrors.Errorf("expected a kind and a statement, got %d arguments", cctx.NArg())
		}
		kind := xmysql.QueryKind(cctx.Args().Get(0))
		switch kind {
		case xmysql.KindInsert, xmysql.KindUpdate, xmysql.KindDelete:
		default:
			return xerrors.Errorf("unknown statement kind %q", kind)
		}
		values := make([]any, 0, cctx.NArg()-2)
		for _, v := range cctx.Args().Slice()[2:] {
			values = append(values, v)
		}

		client, err := openClient(cctx)
		if err != nil {
			return err
		}
		defer client.Close() //nolint:errcheck

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		res, err := client.Exec(ctx, kind, xmysql.Statement{SQL: cctx.Args().Get(1), Values: values}, xmysql.TypeOf[adhoc]())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cctx.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func loadConfig(cctx *cli.Context) (*xmysql.Config, error) {
	cfg, err := xmysql.LoadConfig(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openClient(cctx *cli.Context) (*xmysql.Client, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	log.Debugw("opening", "dsn", cfg.MaskedDSN())
	return xmysql.Open(*cfg)
}
