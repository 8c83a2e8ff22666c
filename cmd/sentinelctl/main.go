// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sentinelctl drives a running sentineld over its HTTP API:
// policy lifecycle operations, intent validation, statistics, health.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Exit codes.
const (
	exitOK          = 0
	exitUsage       = 2
	exitUnavailable = 3
	exitRejected    = 4
)

const usageText = `Usage: sentinelctl [-addr URL] <command> [args]

Commands:
  list                      List policies
  get <id>                  Show one policy
  create [-force] [file]    Create a policy from an intent (JSON file or stdin)
  update <id> [file]        Replace a policy's intent
  delete <id>               Delete a policy
  rollback <id>             Roll a policy back one version
  validate [file]           Preview the rules an intent expands to
  block <ip> [seconds]      Block all traffic from an address
  stats                     Show traffic statistics
  health                    Show daemon health
`

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "Daemon API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	c := &client{base: *addr, http: &http.Client{Timeout: *timeout}}
	os.Exit(dispatch(c, args[0], args[1:]))
}

func dispatch(c *client, cmd string, args []string) int {
	switch cmd {
	case "list":
		return c.do(http.MethodGet, "/api/v1/policies", nil)
	case "get":
		if len(args) < 1 {
			return usage("Usage: sentinelctl get <id>")
		}
		return c.do(http.MethodGet, "/api/v1/policies/"+args[0], nil)
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		force := fs.Bool("force", false, "Override conflicting policies")
		fs.Parse(args)
		body, code := readIntent(fs.Args())
		if code != exitOK {
			return code
		}
		path := "/api/v1/policies"
		if *force {
			path += "?force=true"
		}
		return c.do(http.MethodPost, path, body)
	case "update":
		if len(args) < 1 {
			return usage("Usage: sentinelctl update <id> [file]")
		}
		body, code := readIntent(args[1:])
		if code != exitOK {
			return code
		}
		return c.do(http.MethodPut, "/api/v1/policies/"+args[0], body)
	case "delete":
		if len(args) < 1 {
			return usage("Usage: sentinelctl delete <id>")
		}
		return c.do(http.MethodDelete, "/api/v1/policies/"+args[0], nil)
	case "rollback":
		if len(args) < 1 {
			return usage("Usage: sentinelctl rollback <id>")
		}
		return c.do(http.MethodPost, "/api/v1/policies/"+args[0]+"/rollback", nil)
	case "validate":
		body, code := readIntent(args)
		if code != exitOK {
			return code
		}
		return c.do(http.MethodPost, "/api/v1/policies/validate", body)
	case "block":
		if len(args) < 1 {
			return usage("Usage: sentinelctl block <ip> [seconds]")
		}
		req := map[string]any{"action": "block", "source_ip": args[0]}
		if len(args) > 1 {
			var secs float64
			if _, err := fmt.Sscanf(args[1], "%g", &secs); err != nil {
				return usage("block duration must be a number of seconds")
			}
			req["duration_seconds"] = secs
		}
		body, _ := json.Marshal(req)
		return c.do(http.MethodPost, "/api/v1/policies/apply", body)
	case "stats":
		return c.do(http.MethodGet, "/api/v1/statistics", nil)
	case "health":
		return c.do(http.MethodGet, "/health", nil)
	default:
		fmt.Fprintf(os.Stderr, "sentinelctl: unknown command %q\n\n", cmd)
		flag.Usage()
		return exitUsage
	}
}

func usage(msg string) int {
	fmt.Fprintln(os.Stderr, msg)
	return exitUsage
}

// readIntent loads the intent JSON from the named file, or stdin when no
// file is given.
func readIntent(args []string) ([]byte, int) {
	var data []byte
	var err error
	if len(args) > 0 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: read intent: %v\n", err)
		return nil, exitUsage
	}
	if !json.Valid(data) {
		fmt.Fprintln(os.Stderr, "sentinelctl: intent is not valid JSON")
		return nil, exitUsage
	}
	return data, exitOK
}

type client struct {
	base string
	http *http.Client
}

// do sends one request and pretty-prints the JSON response. The exit
// code reflects the HTTP outcome.
func (c *client) do(method, path string, body []byte) int {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		return exitUsage
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %s unreachable: %v\n", c.base, err)
		return exitUnavailable
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: read response: %v\n", err)
		return exitUnavailable
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		os.Stdout.Write(data)
	}

	switch {
	case resp.StatusCode < 300:
		return exitOK
	case resp.StatusCode == http.StatusMultiStatus:
		fmt.Fprintln(os.Stderr, "sentinelctl: partially applied")
		return exitOK
	case resp.StatusCode == http.StatusServiceUnavailable:
		return exitUnavailable
	default:
		return exitRejected
	}
}
