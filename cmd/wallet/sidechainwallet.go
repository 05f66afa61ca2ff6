package main

import (
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	"github.com/phoreproject/sidechain/cfg"
	"github.com/phoreproject/sidechain/wallet"
	"github.com/phoreproject/sidechain/wallet/cmd"
	"github.com/phoreproject/sidechain/wallet/config"

	logger "github.com/sirupsen/logrus"
)

var output = color.New(color.FgCyan)

var errOut = color.New(color.FgRed, color.Bold)

func exit(b *prompt.Buffer) {
	os.Exit(0)
}

func main() {
	walletOptions := config.Options{}
	globalConfig := cfg.GlobalOptions{}
	err := cfg.LoadFlags(&walletOptions, &globalConfig)
	if err != nil {
		logger.Fatal(err)
	}

	logger.StandardLogger().SetFormatter(&logger.TextFormatter{
		ForceColors: globalConfig.ForceColors,
	})

	walletConfig, err := config.NewWalletConfig(walletOptions)
	if err != nil {
		logger.Fatal(err)
	}

	client := wallet.NewClient(walletConfig.EnclaveRPC, walletConfig.Shard, nil)
	walletCMD := cmd.NewWalletCMD(wallet.NewWallet(client, walletConfig.MrEnclave, walletConfig.Shard), output, errOut)

	commandMap := walletCMD.Commands()

	go func() {
		<-walletCMD.WaitForExit()
		exit(nil)
	}()

	for {
		out := prompt.Input("> ", cmd.Suggestions,
			prompt.OptionAddKeyBind(prompt.KeyBind{Key: prompt.ControlC, Fn: exit}),
			prompt.OptionAddKeyBind(prompt.KeyBind{Key: prompt.ControlD, Fn: exit}))

		args := strings.Fields(out)

		if len(args) == 0 {
			continue
		}

		comFunc, found := commandMap[args[0]]
		if !found {
			_, _ = errOut.Printf("invalid command: %s\n", args[0])
			continue
		}

		comFunc(args[1:])
	}
}
