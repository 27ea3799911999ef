// ABOUTME: Administrative CLI for the atoll gateway
// ABOUTME: Talks to the admin HTTP API with a bearer admin token

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
)

func usage() {
	fmt.Println("Usage: atoll-admin <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  assign --city CITY --agent AGENT [--reason R]   Assign a city to an agent")
	fmt.Println("  release --agent AGENT [--reason R] [--exile]    Release an agent's city")
	fmt.Println("  transfer --city C --from A --to B [--reason R]  Move a city between agents")
	fmt.Println("  availability                                    Show open cities per country")
	fmt.Println("  inactive [--window approaching|past]            List inactive agents")
	fmt.Println("  sweep                                           Run an inactivity sweep now")
	fmt.Println("  cleanup                                         Delete expired admin sessions")
	fmt.Println("  log [--city CITY] [--limit N]                   Show the assignment log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ATOLL_URL           Gateway base URL (default http://127.0.0.1:8080)")
	fmt.Println("  ATOLL_ADMIN_TOKEN   Bearer admin token (required)")
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*client, error) {
	token := os.Getenv("ATOLL_ADMIN_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("ATOLL_ADMIN_TOKEN is not set")
	}
	baseURL := os.Getenv("ATOLL_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one request and decodes the response into out. Non-2xx
// responses surface the server's error message.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp map[string]string
		if json.Unmarshal(raw, &errResp) == nil && errResp["error"] != "" {
			return fmt.Errorf("%s (%d)", errResp["error"], resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := newClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "assign":
		err = runAssign(ctx, c)
	case "release":
		err = runRelease(ctx, c)
	case "transfer":
		err = runTransfer(ctx, c)
	case "availability":
		err = runAvailability(ctx, c)
	case "inactive":
		err = runInactive(ctx, c)
	case "sweep":
		err = runSweep(ctx, c)
	case "cleanup":
		err = runCleanup(ctx, c)
	case "log":
		err = runLog(ctx, c)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAssign(ctx context.Context, c *client) error {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	city := fs.String("city", "", "city id")
	agent := fs.String("agent", "", "agent id")
	reason := fs.String("reason", "", "log reason")
	fs.Parse(os.Args[2:])
	if *city == "" || *agent == "" {
		return fmt.Errorf("--city and --agent are required")
	}

	var resp struct {
		City struct {
			ID   string  `json:"id"`
			Name string  `json:"name"`
			Lat  float64 `json:"lat"`
			Lng  float64 `json:"lng"`
		} `json:"city"`
	}
	err := c.do(ctx, http.MethodPost, "/api/admin/assign", map[string]string{
		"city_id":  *city,
		"agent_id": *agent,
		"reason":   *reason,
	}, &resp)
	if err != nil {
		return err
	}

	color.Green("assigned %s (%s) to %s", resp.City.Name, resp.City.ID, *agent)
	return nil
}

func runRelease(ctx context.Context, c *client) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	agent := fs.String("agent", "", "agent id")
	reason := fs.String("reason", "", "log reason")
	exile := fs.Bool("exile", false, "exile the agent to the ocean after release")
	fs.Parse(os.Args[2:])
	if *agent == "" {
		return fmt.Errorf("--agent is required")
	}

	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "/api/admin/release", map[string]any{
		"agent_id":    *agent,
		"reason":      *reason,
		"force_exile": *exile,
	}, &resp)
	if err != nil {
		return err
	}

	if *exile {
		if exiled, _ := resp["exiled"].(bool); exiled {
			color.Yellow("agent %s exiled", *agent)
		} else {
			color.HiBlack("agent %s was already exiled", *agent)
		}
		return nil
	}
	color.Green("released %v from %s", resp["released"], *agent)
	return nil
}

func runTransfer(ctx context.Context, c *client) error {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	city := fs.String("city", "", "city id")
	from := fs.String("from", "", "current owner agent id")
	to := fs.String("to", "", "new owner agent id")
	reason := fs.String("reason", "", "log reason")
	fs.Parse(os.Args[2:])
	if *city == "" || *from == "" || *to == "" {
		return fmt.Errorf("--city, --from and --to are required")
	}

	err := c.do(ctx, http.MethodPost, "/api/admin/transfer", map[string]string{
		"city_id":       *city,
		"from_agent_id": *from,
		"to_agent_id":   *to,
		"reason":        *reason,
	}, nil)
	if err != nil {
		return err
	}

	color.Green("transferred %s from %s to %s", *city, *from, *to)
	return nil
}

func runAvailability(ctx context.Context, c *client) error {
	var resp struct {
		Countries []struct {
			CountryCode string `json:"country_code"`
			CountryName string `json:"country_name"`
			Available   int    `json:"available"`
		} `json:"countries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/availability", nil, &resp); err != nil {
		return err
	}

	if len(resp.Countries) == 0 {
		color.HiBlack("no countries in catalog")
		return nil
	}
	for _, country := range resp.Countries {
		name := country.CountryName
		if name == "" {
			name = country.CountryCode
		}
		if country.Available > 0 {
			fmt.Printf("%s  %s: %d open\n", color.GreenString("●"), name, country.Available)
		} else {
			fmt.Printf("%s  %s: full\n", color.RedString("●"), name)
		}
	}
	return nil
}

func runInactive(ctx context.Context, c *client) error {
	fs := flag.NewFlagSet("inactive", flag.ExitOnError)
	window := fs.String("window", "past", "approaching or past")
	fs.Parse(os.Args[2:])

	var resp struct {
		Agents []struct {
			ID            string  `json:"id"`
			Name          string  `json:"name"`
			State         string  `json:"state"`
			CityID        *string `json:"city_id"`
			LastHeartbeat string  `json:"last_heartbeat"`
		} `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/admin/inactive?window="+*window, nil, &resp); err != nil {
		return err
	}

	if len(resp.Agents) == 0 {
		color.Green("no agents in the %s window", *window)
		return nil
	}
	for _, a := range resp.Agents {
		city := "-"
		if a.CityID != nil {
			city = *a.CityID
		}
		fmt.Printf("%s  %s (%s)  city=%s  last=%s\n",
			color.YellowString("●"), a.Name, a.ID, city, a.LastHeartbeat)
	}
	return nil
}

func runSweep(ctx context.Context, c *client) error {
	var result struct {
		Checked int `json:"checked"`
		Exiled  int `json:"exiled"`
		Errors  int `json:"errors"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/sweep", nil, &result); err != nil {
		return err
	}

	color.Green("sweep done: checked %d, exiled %d, errors %d", result.Checked, result.Exiled, result.Errors)
	return nil
}

func runCleanup(ctx context.Context, c *client) error {
	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/cleanup", nil, &result); err != nil {
		return err
	}

	color.Green("deleted %d expired sessions", result.Deleted)
	return nil
}

func runLog(ctx context.Context, c *client) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	city := fs.String("city", "", "filter by city id")
	limit := fs.Int("limit", 0, "max entries")
	fs.Parse(os.Args[2:])

	path := fmt.Sprintf("/api/admin/log?city_id=%s&limit=%d", *city, *limit)
	var resp struct {
		Entries []struct {
			CityID    string `json:"city_id"`
			AgentID   string `json:"agent_id"`
			Actor     string `json:"actor"`
			Reason    string `json:"reason"`
			Kind      string `json:"kind"`
			Timestamp string `json:"timestamp"`
		} `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	for _, e := range resp.Entries {
		kind := e.Kind
		switch e.Kind {
		case "claim":
			kind = color.GreenString(e.Kind)
		case "release":
			kind = color.CyanString(e.Kind)
		case "transfer":
			kind = color.YellowString(e.Kind)
		case "forced_exile":
			kind = color.RedString(e.Kind)
		}
		fmt.Printf("%s  %-12s  city=%s agent=%s actor=%s", e.Timestamp, kind, e.CityID, e.AgentID, e.Actor)
		if e.Reason != "" {
			fmt.Printf("  (%s)", e.Reason)
		}
		fmt.Println()
	}
	return nil
}
