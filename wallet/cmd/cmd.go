package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	"github.com/phoreproject/sidechain/wallet"
	"github.com/phoreproject/sidechain/wallet/address"
)

// requestTimeout bounds every command talking to the enclave. Balance
// queries wait for the next slot, so this is longer than a slot.
const requestTimeout = 30 * time.Second

// WalletCMD handles wallet CMD commands.
type WalletCMD struct {
	w        *wallet.Wallet
	ExitChan chan struct{}
	out      *color.Color
	errOut   *color.Color
}

// NewWalletCMD creates a new WalletCMD for handling wallet CMD commands.
func NewWalletCMD(w *wallet.Wallet, out *color.Color, errOut *color.Color) *WalletCMD {
	return &WalletCMD{
		w:        w,
		ExitChan: make(chan struct{}, 1),
		out:      out,
		errOut:   errOut,
	}
}

// Commands maps command names to their handlers.
func (w *WalletCMD) Commands() map[string]func(args []string) {
	return map[string]func(args []string){
		"getbalance":    w.GetBalance,
		"getnonce":      w.GetNonce,
		"sendtoaddress": w.SendToAddress,
		"setbalance":    w.SetBalance,
		"unshield":      w.Unshield,
		"getnewaddress": w.GetNewAddress,
		"importprivkey": w.ImportPrivKey,
		"listaddresses": w.ListAddresses,
		"exit":          w.Exit,
	}
}

// Suggestions completes command names.
func Suggestions(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "getbalance", Description: "Gets the balance of an address"},
		{Text: "getnonce", Description: "Gets the next nonce of an address"},
		{Text: "sendtoaddress", Description: "Sends money from one address to another"},
		{Text: "setbalance", Description: "Sets the balance of an address using the root key"},
		{Text: "unshield", Description: "Moves money back to the parentchain"},
		{Text: "getnewaddress", Description: "Generates a new address"},
		{Text: "importprivkey", Description: "Imports a private key"},
		{Text: "listaddresses", Description: "Lists the addresses in the keystore"},
		{Text: "exit", Description: "Exits the wallet"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func (w *WalletCMD) println(a ...interface{}) {
	_, _ = w.out.Println(a...)
}

func (w *WalletCMD) printf(f string, a ...interface{}) {
	_, _ = w.out.Printf(f, a...)
}

func (w *WalletCMD) errln(a ...interface{}) {
	_, _ = w.errOut.Println(a...)
}

func (w *WalletCMD) errf(f string, a ...interface{}) {
	_, _ = w.errOut.Printf(f, a...)
}

// WaitForExit returns a channel that resolves when an exit is requested.
func (w *WalletCMD) WaitForExit() chan struct{} {
	return w.ExitChan
}

// Exit exits the wallet.
func (w *WalletCMD) Exit(args []string) {
	w.println("Exiting wallet...")
	select {
	case w.ExitChan <- struct{}{}:
	default:
	}
}

func (w *WalletCMD) parseAddress(s string) (address.Address, bool) {
	if !address.ValidateAddress(s) {
		w.errf("Invalid address: %s\n", s)
		return "", false
	}
	return address.Address(s), true
}

// GetBalance gets the balance of an address
func (w *WalletCMD) GetBalance(args []string) {
	if len(args) != 1 {
		w.errln("Usage: getbalance <address>")
		return
	}

	addr, ok := w.parseAddress(args[0])
	if !ok {
		return
	}

	w.printf("Getting balance of %s...\n", addr)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	bal, err := w.w.GetBalance(ctx, addr)
	if err != nil {
		w.errf("Error getting balance: %s\n", err)
		return
	}

	w.printf("Balance of %s is %d\n", addr, bal)
}

// GetNonce gets the next nonce of an address.
func (w *WalletCMD) GetNonce(args []string) {
	if len(args) != 1 {
		w.errln("Usage: getnonce <address>")
		return
	}

	addr, ok := w.parseAddress(args[0])
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	n, err := w.w.GetNonce(ctx, addr)
	if err != nil {
		w.errf("Error getting nonce: %s\n", err)
		return
	}

	w.printf("Next nonce of %s is %d\n", addr, n)
}

// transferArgs parses <amount> <from> <to>.
func (w *WalletCMD) transferArgs(usage string, args []string) (uint64, address.Address, address.Address, bool) {
	if len(args) != 3 {
		w.errln(usage)
		return 0, "", "", false
	}

	amount, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		w.errf("Error parsing amount: %s\n", args[0])
		return 0, "", "", false
	}

	from, ok := w.parseAddress(args[1])
	if !ok {
		return 0, "", "", false
	}
	to, ok := w.parseAddress(args[2])
	if !ok {
		return 0, "", "", false
	}

	return amount, from, to, true
}

// SendToAddress sends money to a certain address.
func (w *WalletCMD) SendToAddress(args []string) {
	amount, from, to, ok := w.transferArgs("Usage: sendtoaddress <amount> <fromaddress> <toaddress>", args)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	h, err := w.w.SendToAddress(ctx, from, to, amount)
	if err != nil {
		w.errf("Error sending: %s\n", err)
		return
	}

	w.printf("Submitted %s sending %d from %s to %s.\n", h, amount, from, to)
}

// SetBalance sets the balance of an address.
func (w *WalletCMD) SetBalance(args []string) {
	amount, root, of, ok := w.transferArgs("Usage: setbalance <amount> <rootaddress> <address>", args)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	h, err := w.w.SetBalance(ctx, root, of, amount)
	if err != nil {
		w.errf("Error setting balance: %s\n", err)
		return
	}

	w.printf("Submitted %s setting the balance of %s to %d.\n", h, of, amount)
}

// Unshield moves money to a parentchain beneficiary.
func (w *WalletCMD) Unshield(args []string) {
	amount, from, to, ok := w.transferArgs("Usage: unshield <amount> <fromaddress> <beneficiary>", args)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	h, err := w.w.Unshield(ctx, from, to, amount)
	if err != nil {
		w.errf("Error unshielding: %s\n", err)
		return
	}

	w.printf("Submitted %s unshielding %d from %s to %s.\n", h, amount, from, to)
}

// GetNewAddress gets a new address.
func (w *WalletCMD) GetNewAddress(args []string) {
	if len(args) != 0 {
		w.errln("Usage: getnewaddress")
		return
	}

	addr, err := w.w.GetNewAddress()
	if err != nil {
		w.errf("Error generating new address: %s\n", err)
		return
	}

	w.printf("Generated new address: %s\n", addr)
}

// ImportPrivKey imports a private key.
func (w *WalletCMD) ImportPrivKey(args []string) {
	if len(args) != 1 {
		w.errln("Usage: importprivkey <keyhex>")
		return
	}

	addr, err := w.w.ImportPrivKey(args[0])
	if err != nil {
		w.errf("Error parsing private key: %s\n", err)
		return
	}

	w.printf("Imported new address: %s\n", addr)
}

// ListAddresses lists the addresses in the keystore.
func (w *WalletCMD) ListAddresses(args []string) {
	for _, a := range w.w.Addresses() {
		w.println(a)
	}
}
