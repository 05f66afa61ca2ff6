package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/phoreproject/sidechain/bls"
	"github.com/phoreproject/sidechain/utils"
	"github.com/phoreproject/sidechain/wallet/keystore"
	logger "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// authorityFile is the part of the enclave config listing the authorities.
type authorityFile struct {
	Authorities []string `yaml:"authorities"`
}

func main() {
	seeds := flag.String("seeds", "", "authority seeds to derive public keys for, such as 0-3")
	outfile := flag.String("outfile", "", "write the authorities as a config file fragment")
	account := flag.Bool("account", false, "generate a signing keypair for trusted operations")
	flag.Parse()

	if *seeds == "" && !*account {
		logger.Fatal("expected either -seeds or -account")
	}

	if *seeds != "" {
		seedList, err := utils.ParseRanges(strings.Split(*seeds, ","))
		if err != nil {
			logger.Fatal(err)
		}

		out := authorityFile{}
		for _, seed := range seedList {
			key, err := bls.SecretKeyFromSeed(seed)
			if err != nil {
				logger.Fatal(err)
			}
			pub := hex.EncodeToString(key.DerivePublicKey().Serialize())
			out.Authorities = append(out.Authorities, pub)

			fmt.Printf("seed %d: %s\n", seed, pub)
		}

		if *outfile != "" {
			b, err := yaml.Marshal(out)
			if err != nil {
				logger.Fatal(err)
			}
			if err := ioutil.WriteFile(*outfile, b, 0644); err != nil {
				logger.Fatal(err)
			}
		}
	}

	if *account {
		kp, err := keystore.GenerateRandomKeypair()
		if err != nil {
			logger.Fatal(err)
		}

		fmt.Printf("address: %s\n", kp.GetAddress())
		fmt.Printf("account: %s\n", kp.Account())
		fmt.Printf("private key: %s\n", kp.ToHex())
	}
}
