package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/generativebots/acp-backend/internal/database"
)

// CheckResult stores one verification outcome.
type CheckResult struct {
	Object  string
	Status  string
	Details string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          ACP Backend - Control-Plane Store Verification       ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	client, err := database.NewClient()
	if err != nil {
		log.Fatalf("❌ Failed to create Supabase client: %v", err)
	}
	fmt.Printf("Store: %s\n", client.URL())
	fmt.Println()
	fmt.Println("Testing tables...")
	fmt.Println()

	ctx := context.Background()
	results := []CheckResult{}

	for _, table := range database.RequiredTables {
		result := testTable(ctx, client, table)
		results = append(results, result)
		printResult(result)
	}

	result := testTable(ctx, client, database.TableTenants)
	results = append(results, result)
	printResult(result)

	result = testTable(ctx, client, database.TableAPIKeys)
	results = append(results, result)
	printResult(result)

	result = testPolicyView(ctx, client)
	results = append(results, result)
	printResult(result)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	passed := 0
	failed := 0
	for _, r := range results {
		if r.Status == "✅ PASS" {
			passed++
		} else {
			failed++
		}
	}
	fmt.Printf("Results: %d PASSED, %d FAILED\n", passed, failed)
	fmt.Println("═══════════════════════════════════════════════════════════════")

	if failed > 0 {
		os.Exit(1)
	}
}

func printResult(r CheckResult) {
	fmt.Printf("  %-25s %s  %s\n", r.Object, r.Status, r.Details)
}

func testTable(ctx context.Context, client *database.Client, table string) CheckResult {
	if err := client.CheckTable(ctx, table); err != nil {
		return CheckResult{table, "❌ FAIL", err.Error()}
	}
	return CheckResult{table, "✅ PASS", "Reachable"}
}

// testPolicyView confirms the effective-policy view resolves; it is a join
// over tool_catalog and tenant overrides, so a broken migration shows up
// here even when both base tables pass.
func testPolicyView(ctx context.Context, client *database.Client) CheckResult {
	if err := client.CheckTable(ctx, database.ViewEffectivePolicy); err != nil {
		return CheckResult{database.ViewEffectivePolicy, "❌ FAIL", err.Error()}
	}
	return CheckResult{database.ViewEffectivePolicy, "✅ PASS", "View resolves"}
}
