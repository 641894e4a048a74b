package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/export"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
)

const cmdTimeout = 30 * time.Second

func openDB(ctx context.Context) (*store.DB, error) {
	return store.Open(ctx, os.Getenv("DATABASE_URL"))
}

// runBootstrapTenantCmd registers an API key and prints it once. Only the
// SHA-256 of the key is stored.
func runBootstrapTenantCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bootstrap-tenant", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		label  string
		plan   string
		quota  int64
		scopes string
	)
	cmd.StringVar(&label, "label", "", "Human-readable tenant label (REQUIRED)")
	cmd.StringVar(&plan, "plan", "pending", "Billing plan name")
	cmd.Int64Var(&quota, "quota", 0, "Monthly unit quota (0 denies all metered calls)")
	cmd.StringVar(&scopes, "scopes", "", "Comma-separated scopes (empty grants all)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if label == "" {
		fmt.Fprintln(stderr, "Error: --label is required")
		cmd.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	db, err := openDB(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "database: %v\n", err)
		return 1
	}
	defer func() { _ = db.SQL.Close() }()

	tenants := store.NewTenantStore(db)
	if err := tenants.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "schema init: %v\n", err)
		return 1
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(stderr, "key generation: %v\n", err)
		return 1
	}
	key := "pbi_" + crypto.B64URLEncode(raw)

	tenant := auth.Tenant{
		ID:           uuid.New().String(),
		Label:        label,
		KeyHash:      crypto.SHA256Hex([]byte(key)),
		Plan:         plan,
		MonthlyQuota: quota,
		Active:       true,
	}
	if scopes != "" {
		tenant.Scopes = strings.Split(scopes, ",")
	}
	if err := tenants.Insert(ctx, &tenant); err != nil {
		fmt.Fprintf(stderr, "insert tenant: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Tenant created: %s (%s)\n", tenant.ID, label)
	fmt.Fprintf(stdout, "API key (shown once): %s\n", key)
	return 0
}

// runExportCmd builds a signed pack straight from the database, bypassing
// the HTTP surface. Useful for bulk exports and scheduled jobs.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID    string
		outPath     string
		purpose     string
		decision    string
		actionHash  string
		challengeID string
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id to export (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path, .zip or .tar.gz (REQUIRED)")
	cmd.StringVar(&purpose, "purpose", "", "Filter by challenge purpose")
	cmd.StringVar(&decision, "decision", "", "Filter by receipt decision")
	cmd.StringVar(&actionHash, "action-hash", "", "Filter by action hash")
	cmd.StringVar(&challengeID, "challenge-id", "", "Filter by challenge id")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || outPath == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --out are required")
		cmd.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	db, err := openDB(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "database: %v\n", err)
		return 1
	}
	defer func() { _ = db.SQL.Close() }()

	q := receipts.Query{
		TenantID:      tenantID,
		Purpose:       purpose,
		Decision:      receipts.Decision(decision),
		ActionHashHex: actionHash,
		ChallengeID:   challengeID,
	}
	if _, _, err := q.Plan(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var records []receipts.Record
	err = store.NewReceiptStore(db).Walk(ctx, q, func(rec receipts.Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "query receipts: %v\n", err)
		return 1
	}

	signer, err := loadSigner(os.Getenv("EXPORT_SIGNING_PRIVATE_KEY_PEM"))
	if err != nil {
		fmt.Fprintf(stderr, "export signing key: %v\n", err)
		return 1
	}
	pol, err := exportPolicySnapshot()
	if err != nil {
		fmt.Fprintf(stderr, "policy: %v\n", err)
		return 1
	}

	filters := map[string]any{
		"purpose":       purpose,
		"decision":      decision,
		"actionHashHex": actionHash,
		"challengeId":   challengeID,
	}
	pack, err := export.NewBuilder(signer).Build(records, filters, pol, nil)
	if err != nil {
		fmt.Fprintf(stderr, "build pack: %v\n", err)
		return 1
	}

	f, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(stderr, "create %s: %v\n", outPath, err)
		return 1
	}
	if strings.HasSuffix(outPath, ".tar.gz") || strings.HasSuffix(outPath, ".tgz") {
		err = pack.WriteTarGz(f)
	} else {
		err = pack.WriteZip(f)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(stderr, "write pack: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Pack written: %s (%d receipts)\n", outPath, len(records))
	return 0
}

// exportPolicySnapshot mirrors the server's policy selection for the
// standalone export path.
func exportPolicySnapshot() (*policy.Policy, error) {
	if file := os.Getenv("POLICY_FILE"); file != "" {
		return policy.Load(file)
	}
	var origins []string
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return nil, fmt.Errorf("set POLICY_FILE or ALLOWED_ORIGINS")
	}
	return policy.Default(origins), nil
}

func runVerifyPackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-pack", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to pack archive (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	files, err := export.ReadArchive(bundlePath)
	if err == nil {
		var manifest *export.Manifest
		manifest, err = export.VerifyPack(files)
		if err == nil {
			if jsonOutput {
				result := map[string]any{
					"bundle":      bundlePath,
					"valid":       true,
					"version":     manifest.Version,
					"generatedAt": manifest.GeneratedAt,
					"totalCount":  manifest.TotalCount,
					"fileCount":   len(manifest.Files),
				}
				data, _ := json.MarshalIndent(result, "", "  ")
				fmt.Fprintln(stdout, string(data))
			} else {
				fmt.Fprintf(stdout, "Pack verified: %s\n", bundlePath)
				fmt.Fprintf(stdout, "  Version:   %s\n", manifest.Version)
				fmt.Fprintf(stdout, "  Generated: %s\n", manifest.GeneratedAt.Format(time.RFC3339))
				fmt.Fprintf(stdout, "  Receipts:  %d\n", manifest.TotalCount)
				fmt.Fprintf(stdout, "  Files:     %d\n", len(manifest.Files))
			}
			return 0
		}
	}

	if jsonOutput {
		result := map[string]any{"bundle": bundlePath, "valid": false, "error": err.Error()}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
	}
	return 1
}

// healthTimeout bounds the liveness probe regardless of caller context.
const healthTimeout = 4500 * time.Millisecond

func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
