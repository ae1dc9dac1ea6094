package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

var configPath = flag.String("config", "configs/portfolio-sync.yaml", "配置文件路径")

// completion shell 补全定义；COMP_LINE 未设置时 Complete 直接返回
var completion = &complete.Command{
	Sub: map[string]*complete.Command{
		"serve": {},
		"snapshot": {Flags: map[string]complete.Predictor{
			"portfolio": predict.Something,
			"date":      predict.Something,
		}},
		"portfolios": {},
		"help":       {},
		"flags":      {},
	},
	Flags: map[string]complete.Predictor{
		"config": predict.Files("*.yaml"),
	},
}

func main() {
	name := path.Base(os.Args[0])
	completion.Complete(name)

	commander := subcommands.NewCommander(flag.CommandLine, name)
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&snapshotCmd{}, "")
	commander.Register(&portfoliosCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
