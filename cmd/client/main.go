// Package main implements a small CLI for submitting tasks to a running
// taskforge server and polling their result, the command-line counterpart
// of the client half of the spec.
//
// Usage:
//
//	go run cmd/client/main.go -name build -user alice -- echo hello
//	go run cmd/client/main.go -result <task_id>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8081", "taskforge server base URL")
	apiKey := flag.String("api-key", os.Getenv("API_KEY"), "API key, if the server requires one")
	name := flag.String("name", "task", "task name")
	user := flag.String("user", os.Getenv("USER"), "submitting user")
	priority := flag.Int("priority", 100, "priority, 0 highest")
	expirationSecs := flag.Int64("expiration-secs", 3600, "seconds until the task expires if unclaimed")
	idempotent := flag.Bool("idempotent", false, "allow this task to be deduped against a prior identical run")
	resultID := flag.String("result", "", "fetch the result of a previously submitted task_id instead of submitting")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	if *resultID != "" {
		if err := fetchResult(client, *server, *apiKey, *resultID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cmd := flag.Args()
	if len(cmd) == 0 {
		fmt.Fprintln(os.Stderr, "usage: client [flags] -- <command> [args...]")
		os.Exit(2)
	}

	body := map[string]any{
		"name":            *name,
		"user":            *user,
		"priority":        *priority,
		"expiration_secs": *expirationSecs,
		"commands":        [][]string{cmd},
		"dimensions":      map[string][]string{"os": {"linux"}},
		"idempotent":      *idempotent,
	}
	if err := submit(client, *server, *apiKey, body); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submit(client *http.Client, server, apiKey string, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, server+"/tasks/new", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %v", resp.Status, out)
	}
	fmt.Println(out["task_id"])
	return nil
}

func fetchResult(client *http.Client, server, apiKey, taskID string) error {
	req, err := http.NewRequest(http.MethodGet, server+"/tasks/result?id="+taskID, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	var pretty bytes.Buffer
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	if err := json.Indent(&pretty, buf.Bytes(), "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}
