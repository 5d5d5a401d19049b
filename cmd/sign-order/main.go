package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/zeroday/pkg/api"
	"github.com/uhyunpark/zeroday/pkg/crypto"
)

type signOpts struct {
	privKey  string
	side     string
	price    int64
	qty      int64
	leverage uint32
	ttlSecs  uint64
	isLimit  bool
	apiURL   string
	nonce    uint64
}

var opts signOpts

// rootCmd signs one order and prints the POST /orders/signed body
var rootCmd = &cobra.Command{
	Use:   "sign-order",
	Short: "Sign an order with EIP-712 for POST /orders/signed",
	Long: `sign-order signs a SignedOrder with the matcher's EIP-712 domain and
prints the request body for POST /orders/signed. Without --nonce, the
trader's next nonce is read from GET {api}/state.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var nonce *uint64
		if cmd.Flags().Changed("nonce") {
			nonce = &opts.nonce
		}
		return run(cmd.Context(), cmd.OutOrStdout(), opts, nonce)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.privKey, "privkey", "", "hex private key of the trader (required)")
	f.StringVar(&opts.side, "side", "buy", "buy or sell")
	f.Int64Var(&opts.price, "price", 0, "limit price")
	f.Int64Var(&opts.qty, "qty", 0, "quantity")
	f.Uint32Var(&opts.leverage, "leverage", 10, "leverage")
	f.Uint64Var(&opts.ttlSecs, "ttl_secs", 86_400, "time to live in seconds")
	f.BoolVar(&opts.isLimit, "is_limit", true, "limit order")
	f.StringVar(&opts.apiURL, "api", "http://127.0.0.1:8787", "matcher API base URL")
	f.Uint64Var(&opts.nonce, "nonce", 0, "order nonce (default: fetched from the API)")
	_ = rootCmd.MarkFlagRequired("privkey")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, o signOpts, nonce *uint64) error {
	signer, err := crypto.FromPrivateKeyHex(o.privKey)
	if err != nil {
		return err
	}
	side := strings.ToLower(o.side)
	if side != "buy" && side != "sell" {
		return fmt.Errorf("side must be buy or sell, got %q", o.side)
	}

	if nonce == nil {
		n, err := fetchNonce(ctx, http.DefaultClient, o.apiURL, crypto.TraderID(signer.Address()))
		if err != nil {
			return err
		}
		nonce = &n
	}

	order := crypto.SignedOrder{
		Trader:   signer.Address(),
		Side:     side,
		Price:    o.price,
		Qty:      o.qty,
		Leverage: o.leverage,
		TTLSecs:  o.ttlSecs,
		IsLimit:  o.isLimit,
		Nonce:    *nonce,
	}
	sig, err := crypto.NewEIP712Signer(crypto.DefaultDomain()).SignOrder(signer, &order)
	if err != nil {
		return fmt.Errorf("failed to sign order: %w", err)
	}

	body, err := json.MarshalIndent(api.SignedOrderRequest{
		Order:     order,
		Signature: fmt.Sprintf("0x%x", sig),
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(body))
	return err
}

// fetchNonce reads the trader's next nonce from GET {apiURL}/state. A trader
// the matcher has never seen starts at 0.
func fetchNonce(ctx context.Context, client *http.Client, apiURL, trader string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/state", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET /state: %s", resp.Status)
	}

	var state struct {
		Traders []struct {
			Trader string `json:"trader"`
			Nonce  uint64 `json:"nonce"`
		} `json:"traders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return 0, fmt.Errorf("failed to decode state: %w", err)
	}
	for _, t := range state.Traders {
		if strings.EqualFold(t.Trader, trader) {
			return t.Nonce, nil
		}
	}
	return 0, nil
}
