// cmd/mock generates seeded demo fixtures: a set of synthetic orders
// (completed, failed or timeout) and the skill catalog they reference, for exercising the
// dashboard and API surfaces without a live ledger.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
)

type skillTemplate struct {
	Name      string
	Category  string
	BasePrice int
}

var skillTemplates = []skillTemplate{
	{"text-summarizer", "nlp", 1000},
	{"image-classifier", "vision", 2000},
	{"sentiment-analyzer", "nlp", 800},
	{"code-reviewer", "dev-tools", 3000},
	{"translation-engine", "nlp", 1500},
	{"data-validator", "data", 500},
	{"report-generator", "business", 2500},
	{"anomaly-detector", "analytics", 4000},
}

var agentTemplates = []string{
	"agent-alpha-001",
	"agent-beta-002",
	"agent-gamma-003",
	"agent-delta-004",
	"agent-epsilon-005",
}

var statusWeights = []struct {
	status string
	weight float64
}{
	{"completed", 0.85},
	{"failed", 0.10},
	{"timeout", 0.05},
}

type mockOrder struct {
	OrderID         string `json:"order_id"`
	SkillID         string `json:"skill_id"`
	Status          string `json:"status"`
	ExecutionTimeMs int    `json:"execution_time_ms"`
	CreatedAt       string `json:"created_at"`
	ResultHash      string `json:"result_hash"`
	AgentID         string `json:"agent_id"`
}

type mockSkill struct {
	SkillID        string  `json:"skill_id"`
	Name           string  `json:"name"`
	Version        string  `json:"version"`
	Category       string  `json:"category"`
	PriceLamports  int     `json:"price_lamports"`
	ExecutionCount int     `json:"execution_count"`
	SuccessRate    float64 `json:"success_rate"`
}

func main() {
	if len(os.Args) < 2 || os.Args[1] != "generate" {
		showUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	ordersPath := fs.String("orders-out", "mock_orders.json", "path to write generated orders")
	skillsPath := fs.String("skills-out", "mock_skills.json", "path to write generated skills")
	orderCount := fs.Int("orders", 10, "number of orders to generate")
	skillCount := fs.Int("skills", 5, "number of skills to generate")
	seed := fs.Int64("seed", 0, "random seed for reproducible output (default: derived from current time)")
	fs.Parse(os.Args[2:])

	actualSeed := *seed
	if actualSeed == 0 {
		actualSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(actualSeed))

	demoIdentity, err := deriveDemoIdentity(actualSeed)
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": %q}`+"\n", err.Error())
		os.Exit(1)
	}

	orders := generateMockOrders(*orderCount, actualSeed, rng)
	skills := generateMockSkills(*skillCount, rng)

	if err := writeJSON(*ordersPath, orders); err != nil {
		fmt.Fprintf(os.Stderr, `{"error": %q}`+"\n", err.Error())
		os.Exit(1)
	}
	if err := writeJSON(*skillsPath, skills); err != nil {
		fmt.Fprintf(os.Stderr, `{"error": %q}`+"\n", err.Error())
		os.Exit(1)
	}

	fmt.Printf("wrote %d orders to %s, %d skills to %s (demo identity %s)\n",
		len(orders), *ordersPath, len(skills), *skillsPath, demoIdentity)
}

// deriveDemoIdentity derives a deterministic demo label from seed (the hex
// of the first 8 bytes of the BIP-39 seed of a mnemonic built from it),
// purely to label generated fixtures with a stable pseudo-identity; it signs
// nothing and never touches a real keypair.
func deriveDemoIdentity(seed int64) (string, error) {
	entropy := sha256.Sum256([]byte(fmt.Sprintf("mock-fixture-seed:%d", seed)))
	mnemonic, err := bip39.NewMnemonic(entropy[:16])
	if err != nil {
		return "", err
	}
	words := bip39.NewSeed(mnemonic, "")
	return hex.EncodeToString(words[:8]), nil
}

func generateMockOrders(count int, seed int64, rng *rand.Rand) []mockOrder {
	orders := make([]mockOrder, 0, count)
	baseTime := time.Now().UTC()

	for i := 0; i < count; i++ {
		template := skillTemplates[rng.Intn(len(skillTemplates))]
		agentID := agentTemplates[rng.Intn(len(agentTemplates))]

		orderID := fmt.Sprintf("order-%s", uuid.New().String())
		skillID := fmt.Sprintf("skill-%s-v1", template.Name)
		status := weightedStatus(rng)

		var executionTimeMs int
		switch status {
		case "completed":
			executionTimeMs = 50 + rng.Intn(451)
		case "failed":
			executionTimeMs = 10 + rng.Intn(91)
		default:
			executionTimeMs = 30000 + rng.Intn(30001)
		}

		offset := time.Duration(rng.Intn(1441)) * time.Minute
		createdAt := baseTime.Add(-offset).Format("2006-01-02T15:04:05Z")

		hashSeed := fmt.Sprintf("%s-%s-%d-%d", orderID, skillID, i, seed)
		sum := sha256.Sum256([]byte(hashSeed))

		orders = append(orders, mockOrder{
			OrderID:         orderID,
			SkillID:         skillID,
			Status:          status,
			ExecutionTimeMs: executionTimeMs,
			CreatedAt:       createdAt,
			ResultHash:      hex.EncodeToString(sum[:]),
			AgentID:         agentID,
		})
	}
	return orders
}

func generateMockSkills(count int, rng *rand.Rand) []mockSkill {
	templates := make([]skillTemplate, len(skillTemplates))
	copy(templates, skillTemplates)
	rng.Shuffle(len(templates), func(i, j int) { templates[i], templates[j] = templates[j], templates[i] })

	selected := make([]skillTemplate, 0, count)
	for len(selected) < count {
		remaining := count - len(selected)
		if remaining >= len(templates) {
			selected = append(selected, templates...)
		} else {
			selected = append(selected, templates[:remaining]...)
		}
	}

	skills := make([]mockSkill, 0, count)
	for _, template := range selected {
		major := 1 + rng.Intn(3)
		minor := rng.Intn(10)
		patch := rng.Intn(21)
		version := fmt.Sprintf("%d.%d.%d", major, minor, patch)

		price := template.BasePrice + rng.Intn(701) - 200
		if price < 100 {
			price = 100
		}

		skills = append(skills, mockSkill{
			SkillID:        fmt.Sprintf("skill-%s-v1", template.Name),
			Name:           template.Name,
			Version:        version,
			Category:       template.Category,
			PriceLamports:  price,
			ExecutionCount: 10 + rng.Intn(9991),
			SuccessRate:    roundTo(0.80+rng.Float64()*0.19, 3),
		})
	}
	return skills
}

func weightedStatus(rng *rand.Rand) string {
	roll := rng.Float64()
	cumulative := 0.0
	for _, sw := range statusWeights {
		cumulative += sw.weight
		if roll < cumulative {
			return sw.status
		}
	}
	return statusWeights[len(statusWeights)-1].status
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func showUsage() {
	fmt.Println(`mock: generate seeded demo fixtures

Usage:
  mock generate [--orders <n>] [--skills <n>] [--orders-out <path>] [--skills-out <path>] [--seed <n>]`)
}
