package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stagerun/internal/ledger"
	"stagerun/internal/security"
	"stagerun/pkg/utils"
)

var (
	ledgerPath string
	pubKeyPath string
	runFilter  string
	keysDir    string
	forceKeys  bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the signed run ledger",
}

var ledgerInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List ledger blocks",
	Args:  cobra.NoArgs,
	RunE:  runLedgerInspect,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check hashes, links and signatures of every block",
	Args:  cobra.NoArgs,
	RunE:  runLedgerVerify,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage ledger signing keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an ed25519 key pair for signing the ledger",
	Args:  cobra.NoArgs,
	RunE:  runKeysGenerate,
}

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerPath, "path", "", "ledger file (defaults to STAGERUN_LEDGER_PATH)")
	ledgerInspectCmd.Flags().StringVar(&runFilter, "run", "", "only show blocks of this run")
	ledgerVerifyCmd.Flags().StringVar(&pubKeyPath, "pubkey", "", "trusted public key (defaults to the key in STAGERUN_KEYS_DIR)")
	ledgerCmd.AddCommand(ledgerInspectCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)

	keysGenerateCmd.Flags().StringVar(&keysDir, "dir", "", "output directory (defaults to STAGERUN_KEYS_DIR)")
	keysGenerateCmd.Flags().BoolVar(&forceKeys, "force", false, "overwrite an existing key pair")
	keysCmd.AddCommand(keysGenerateCmd)
}

func openLedger() (*ledger.Ledger, error) {
	path := ledgerPath
	if path == "" {
		path = cfg.LedgerPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", path, err)
	}
	return ledger.Open(path, nil)
}

func runLedgerInspect(cmd *cobra.Command, _ []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	blocks := l.Blocks()
	if runFilter != "" {
		blocks = l.RunBlocks(runFilter)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "INDEX\tTIME\tRUN\tSTAGE\tSTATUS\tREASON\tBUILD\tAGENT\tHASH\n")
	for _, b := range blocks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			b.Index, b.Timestamp, b.RunID, b.StageID, b.Status, dash(b.Reason), b.BuildNumber, dash(b.AgentID), utils.Short(b.Hash))
	}
	return w.Flush()
}

func runLedgerVerify(cmd *cobra.Command, _ []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}

	var trusted ed25519.PublicKey
	path := pubKeyPath
	if path == "" {
		path = filepath.Join(cfg.KeysDir, security.PublicKeyFile)
	}
	trusted, err = security.LoadPublicKey(path)
	switch {
	case err == nil:
	case pubKeyPath == "" && errors.Is(err, os.ErrNotExist):
		logger.Warn("no trusted key found, checking each block against its embedded key", "path", path)
		trusted = nil
	default:
		return fmt.Errorf("load trusted key: %w", err)
	}

	if err := l.VerifyChain(trusted); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "ledger verification FAILED: %v\n", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ledger verification OK (%d blocks)\n", l.Len())
	return nil
}

func runKeysGenerate(cmd *cobra.Command, _ []string) error {
	dir := keysDir
	if dir == "" {
		dir = cfg.KeysDir
	}
	privPath := filepath.Join(dir, security.PrivateKeyFile)
	if _, err := os.Stat(privPath); err == nil && !forceKeys {
		return fmt.Errorf("%s already exists; pass --force to replace it", privPath)
	}

	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := security.SaveKeyPair(pub, priv, filepath.Join(dir, security.PublicKeyFile), privPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote key pair to %s\npublic key: %s\n", dir, hex.EncodeToString(pub))
	return nil
}
