package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli"

	"github.com/treble-h/tsoracle/config"
	"github.com/treble-h/tsoracle/tsoclient"
)

type CMD struct {
	configName string
	host       string
	port       int

	count    int
	startTs  int64
	cells    cli.StringSlice
	deadline time.Duration
}

func (cmd *CMD) connect() (*tsoclient.Client, error) {
	var conf *config.ClientConfig
	if cmd.host != "" {
		conf = config.NewClientConfig(cmd.host, cmd.port)
	} else {
		var err error
		conf, err = config.LoadClientConfig("tsoclient", cmd.configName)
		if err != nil {
			return nil, err
		}
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "tsoclient",
		Output: os.Stderr,
		Level:  hclog.Warn,
	})
	return tsoclient.New(conf, logger)
}

func (cmd *CMD) wait(f *tsoclient.Future) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cmd.deadline)
	defer cancel()
	return f.Get(ctx)
}

func (cmd *CMD) timestamps() error {
	c, err := cmd.connect()
	if err != nil {
		return err
	}
	defer c.Close()

	for i := 0; i < cmd.count; i++ {
		ts, err := cmd.wait(c.GetNewStartTimestamp())
		if err != nil {
			return err
		}
		fmt.Println(ts)
	}
	return nil
}

func (cmd *CMD) commit() error {
	c, err := cmd.connect()
	if err != nil {
		return err
	}
	defer c.Close()

	cells := make([]tsoclient.CellID, 0, len(cmd.cells))
	for _, raw := range cmd.cells {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cells = append(cells, tsoclient.RawCellID(id))
			continue
		}
		// anything else is taken as a row key of the default table
		cells = append(cells, tsoclient.Cell{Table: []byte("default"), Row: []byte(raw)})
	}

	commitTs, err := cmd.wait(c.Commit(cmd.startTs, cells))
	if err == tsoclient.ErrAborted {
		fmt.Printf("transaction %d aborted\n", cmd.startTs)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("transaction %d committed at %d\n", cmd.startTs, commitTs)
	return nil
}

func (cmd *CMD) Run() {
	app := cli.NewApp()
	app.Name = "tsoclient"
	app.Usage = "request timestamps and commit decisions from a TSO"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "client config `NAME` (without extension) to load",
			Value:       "tsoclient",
			Destination: &cmd.configName,
		},
		cli.StringFlag{
			Name:        "host, a",
			Usage:       "TSO `ADDRESS`; overrides the config file",
			Destination: &cmd.host,
		},
		cli.IntFlag{
			Name:        "port, p",
			Usage:       "TSO `PORT`, used together with --host",
			Value:       config.DefaultTSOPort,
			Destination: &cmd.port,
		},
		cli.DurationFlag{
			Name:        "deadline",
			Usage:       "how long to wait for each answer",
			Value:       30 * time.Second,
			Destination: &cmd.deadline,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "timestamp",
			Usage: "print new start timestamps",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:        "n",
					Usage:       "number of timestamps",
					Value:       1,
					Destination: &cmd.count,
				},
			},
			Action: func(c *cli.Context) error {
				return cmd.timestamps()
			},
		},
		{
			Name:  "commit",
			Usage: "commit a transaction",
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:        "start",
					Usage:       "start timestamp of the transaction",
					Required:    true,
					Destination: &cmd.startTs,
				},
				cli.StringSliceFlag{
					Name:  "cell",
					Usage: "written cell, a numeric id or a row key; repeatable",
					Value: &cmd.cells,
				},
			},
			Action: func(c *cli.Context) error {
				return cmd.commit()
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func main() {
	cmd := new(CMD)
	cmd.Run()
}
