package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veriseal/veriseal/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	daemonURL string
	cfgFile   string
	asJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vsctl",
	Short: "VeriSeal audit ledger CLI",
	Long: `vsctl is the command-line interface for a VeriSeal ledger daemon.

It appends audit records, inspects blocks and membership proofs, and
triggers seal, verification, and anchoring sweeps.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.vsctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if daemonURL == "" {
			daemonURL = viper.GetString("daemon_url")
		}
		if daemonURL == "" {
			daemonURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vsctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "ledger daemon URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON instead of tables")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	return client.New(daemonURL, client.WithTimeout(30*time.Second))
}

func cmdCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain height, tip hash, and pending record count",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdCtx()
		defer cancel()

		ov, err := newClient().GetOverview(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(ov)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "HEIGHT\t%d\n", ov.Height)
		fmt.Fprintf(w, "TIP\t%s\n", ov.TipHash)
		fmt.Fprintf(w, "PENDING\t%d\n", ov.Pending)
		return w.Flush()
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendActor  string
	appendAction string
)

var appendCmd = &cobra.Command{
	Use:   "append <payload-json>",
	Short: "Append an audit record to the unsealed tail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(args[0])
		if !json.Valid(payload) {
			return fmt.Errorf("payload must be valid JSON")
		}

		ctx, cancel := cmdCtx()
		defer cancel()

		id, err := newClient().AppendRecord(ctx, appendActor, appendAction, time.Time{}, payload)
		if err != nil {
			return err
		}
		fmt.Printf("record %d appended\n", id)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "acting principal (required)")
	appendCmd.Flags().StringVar(&appendAction, "action", "", "action name (required)")
	_ = appendCmd.MarkFlagRequired("actor")
	_ = appendCmd.MarkFlagRequired("action")
}

// ── record ───────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record <id>",
	Short: "Show a record and its verification status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}

		ctx, cancel := cmdCtx()
		defer cancel()
		c := newClient()

		rec, err := c.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		proof, err := c.GetProof(ctx, id)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(map[string]any{"record": rec, "proof": proof})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%d\n", rec.ID)
		fmt.Fprintf(w, "ACTOR\t%s\n", rec.Actor)
		fmt.Fprintf(w, "ACTION\t%s\n", rec.Action)
		fmt.Fprintf(w, "OCCURRED\t%s\n", rec.OccurredAt.Format(time.RFC3339))
		fmt.Fprintf(w, "STATUS\t%s\n", proof.Status)
		if rec.BlockSeq != nil {
			fmt.Fprintf(w, "BLOCK\t%d\n", *rec.BlockSeq)
		}
		fmt.Fprintf(w, "PAYLOAD\t%s\n", string(rec.Payload))
		return w.Flush()
	},
}

// ── block / blocks ───────────────────────────────────────────────────────────

var blockCmd = &cobra.Command{
	Use:   "block <seq>",
	Short: "Show a single block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block seq %q", args[0])
		}

		ctx, cancel := cmdCtx()
		defer cancel()

		b, err := newClient().GetBlock(ctx, seq)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(b)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		printBlock(w, b)
		return w.Flush()
	},
}

var (
	blocksFrom int64
	blocksTo   int64
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List a range of blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdCtx()
		defer cancel()
		c := newClient()

		to := blocksTo
		if !cmd.Flags().Changed("to") {
			ov, err := c.GetOverview(ctx)
			if err != nil {
				return err
			}
			if ov.Height == 0 {
				fmt.Println("chain is empty")
				return nil
			}
			to = ov.Height - 1
		}

		blocks, err := c.ListBlocks(ctx, blocksFrom, to)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(blocks)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tRECORDS\tSTATUS\tSEALED AT\tHASH")
		for _, b := range blocks {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
				b.Seq, b.RecordCount, b.Status,
				b.SealedAt.Format(time.RFC3339), short(b.Hash))
		}
		return w.Flush()
	},
}

func init() {
	blocksCmd.Flags().Int64Var(&blocksFrom, "from", 0, "first block of the range")
	blocksCmd.Flags().Int64Var(&blocksTo, "to", 0, "last block of the range (default: chain tip)")
}

// ── seal / verify / anchor ───────────────────────────────────────────────────

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the unsealed tail into a new block",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdCtx()
		defer cancel()

		res, err := newClient().Seal(ctx)
		if err != nil {
			return err
		}
		switch {
		case res.Sealing:
			fmt.Println("a seal is already in progress")
		case !res.Sealed:
			fmt.Println("nothing to seal")
		default:
			fmt.Printf("sealed block %d (%d records, hash %s)\n",
				res.Block.Seq, res.Block.RecordCount, short(res.Block.Hash))
		}
		return nil
	},
}

var verifyForce bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Scan the chain for tampering",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdCtx()
		defer cancel()

		report, err := newClient().VerifyAll(ctx, verifyForce)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(report)
		}

		if report.OK {
			fmt.Printf("OK — %d blocks verified\n", report.BlocksChecked)
			return nil
		}

		fmt.Printf("TAMPERED — first divergence at block %d (%s): %s\n",
			report.FirstBad.Seq, report.FirstBad.Kind, report.FirstBad.Detail)
		for _, br := range report.Breaks[1:] {
			fmt.Printf("  also: block %d (%s): %s\n", br.Seq, br.Kind, br.Detail)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyForce, "force", false, "continue past the first divergence and list every break")
}

var anchorConfirm bool

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Run an anchoring sweep against the external ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdCtx()
		defer cancel()
		c := newClient()

		if anchorConfirm {
			n, err := c.ConfirmAnchors(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d anchors confirmed\n", n)
			return nil
		}

		n, err := c.Anchor(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d blocks submitted for anchoring\n", n)
		return nil
	},
}

func init() {
	anchorCmd.Flags().BoolVar(&anchorConfirm, "confirm", false, "run the confirmation sweep instead of submission")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vsctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("vsctl", version)
	},
}

// ── helpers ──────────────────────────────────────────────────────────────────

func printBlock(w *tabwriter.Writer, b *client.Block) {
	fmt.Fprintf(w, "SEQ\t%d\n", b.Seq)
	fmt.Fprintf(w, "STATUS\t%s\n", b.Status)
	fmt.Fprintf(w, "RECORDS\t%d\n", b.RecordCount)
	fmt.Fprintf(w, "SEALED AT\t%s\n", b.SealedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "SEALED BY\t%s\n", b.SealedBy)
	fmt.Fprintf(w, "PREV\t%s\n", b.PrevHash)
	fmt.Fprintf(w, "ROOT\t%s\n", b.MerkleRoot)
	fmt.Fprintf(w, "HASH\t%s\n", b.Hash)
	if b.AnchorTxID != nil {
		fmt.Fprintf(w, "ANCHOR TX\t%s\n", *b.AnchorTxID)
	}
	if b.AnchorConfirmedAt != nil {
		fmt.Fprintf(w, "ANCHORED\t%s\n", b.AnchorConfirmedAt.Format(time.RFC3339))
	}
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16] + "…"
	}
	return hash
}
