// pulsectl is the operator CLI for the management API: inspect the
// queue, submit and steer jobs, and list workers without hand-rolling
// curl against authenticated endpoints.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pulsectl",
		Usage: "operate the marketpulse job queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "management API base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"PULSECTL_API_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "JWT bearer token",
				EnvVars: []string{"PULSECTL_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key (alternative to --token)",
				EnvVars: []string{"PULSECTL_API_KEY"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 10 * time.Second,
			},
		},
		Commands: []*cli.Command{
			queueCommand(),
			jobsCommand(),
			workersCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func clientFrom(c *cli.Context) *client {
	return newClient(c.String("api-url"), c.String("token"), c.String("api-key"), c.Duration("timeout"))
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "inspect and control the queue",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "show queue depth by type and status",
				Action: func(c *cli.Context) error {
					env, err := clientFrom(c).get(c.Context, "/api/v1/queue/stats", nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			{
				Name:  "pause",
				Usage: "stop workers from claiming new jobs",
				Action: func(c *cli.Context) error {
					env, err := clientFrom(c).post(c.Context, "/api/v1/queue/pause", nil, nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			{
				Name:  "resume",
				Usage: "let workers claim jobs again",
				Action: func(c *cli.Context) error {
					env, err := clientFrom(c).post(c.Context, "/api/v1/queue/resume", nil, nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			{
				Name:  "clear",
				Usage: "bulk-delete terminal rows of one status",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "status",
						Usage:    "completed or failed",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					q := url.Values{"status": {c.String("status")}}
					env, err := clientFrom(c).post(c.Context, "/api/v1/queue/clear", q, nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
		},
	}
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "inspect and steer individual jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list jobs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "filter by status"},
					&cli.StringFlag{Name: "type", Usage: "filter by job type"},
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.IntFlag{Name: "offset", Value: 0},
				},
				Action: func(c *cli.Context) error {
					q := url.Values{}
					if v := c.String("status"); v != "" {
						q.Set("status", v)
					}
					if v := c.String("type"); v != "" {
						q.Set("type", v)
					}
					q.Set("limit", fmt.Sprint(c.Int("limit")))
					q.Set("offset", fmt.Sprint(c.Int("offset")))

					env, err := clientFrom(c).get(c.Context, "/api/v1/queue/jobs", q)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			{
				Name:      "get",
				Usage:     "show one job",
				ArgsUsage: "<job-id>",
				Action: func(c *cli.Context) error {
					id, err := requireJobID(c)
					if err != nil {
						return err
					}
					env, err := clientFrom(c).get(c.Context, "/api/v1/queue/jobs/"+id, nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			{
				Name:  "enqueue",
				Usage: "submit a job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Required: true, Usage: "job type"},
					&cli.StringFlag{Name: "payload", Usage: "JSON payload (@file reads from disk)"},
					&cli.IntFlag{Name: "priority", Usage: "1 is most urgent; 0 uses the type default"},
					&cli.IntFlag{Name: "delay", Usage: "visibility delay in seconds"},
					&cli.StringFlag{Name: "dedup-key", Usage: "collapse duplicates among open jobs"},
					&cli.IntFlag{Name: "max-attempts", Usage: "0 uses the type default"},
				},
				Action: func(c *cli.Context) error {
					payload, err := readPayload(c.String("payload"))
					if err != nil {
						return err
					}
					body := map[string]interface{}{
						"type":    c.String("type"),
						"payload": payload,
					}
					if v := c.Int("priority"); v != 0 {
						body["priority"] = v
					}
					if v := c.Int("delay"); v != 0 {
						body["delay_sec"] = v
					}
					if v := c.String("dedup-key"); v != "" {
						body["dedup_key"] = v
					}
					if v := c.Int("max-attempts"); v != 0 {
						body["max_attempts"] = v
					}

					env, err := clientFrom(c).post(c.Context, "/api/v1/queue/jobs", nil, body)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
			jobActionCommand("retry", "re-run a failed or cancelled job from scratch"),
			jobActionCommand("cancel", "terminally cancel an open job"),
			jobActionCommand("reset", "return a non-terminal job to pending with a clean slate"),
			{
				Name:      "delete",
				Usage:     "delete a terminal job row",
				ArgsUsage: "<job-id>",
				Action: func(c *cli.Context) error {
					id, err := requireJobID(c)
					if err != nil {
						return err
					}
					env, err := clientFrom(c).delete(c.Context, "/api/v1/queue/jobs/"+id)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
		},
	}
}

func jobActionCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			id, err := requireJobID(c)
			if err != nil {
				return err
			}
			env, err := clientFrom(c).post(c.Context, "/api/v1/queue/jobs/"+id+"/"+name, nil, nil)
			if err != nil {
				return err
			}
			return render(env)
		},
	}
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "inspect worker liveness",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list registered workers and their last heartbeat",
				Action: func(c *cli.Context) error {
					env, err := clientFrom(c).get(c.Context, "/api/v1/workers", nil)
					if err != nil {
						return err
					}
					return render(env)
				},
			},
		},
	}
}

func requireJobID(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one job id argument", 1)
	}
	return c.Args().First(), nil
}

// readPayload resolves the --payload flag: inline JSON, @file, or an
// empty object when omitted.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return json.RawMessage("{}"), nil
	}
	raw := []byte(arg)
	if arg[0] == '@' {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// render pretty-prints the data document to stdout; list meta goes to
// stderr so piped output stays clean JSON.
func render(env *apiEnvelope) error {
	if len(env.Data) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, env.Data, "", "  "); err != nil {
			buf.Write(env.Data)
		}
		fmt.Println(buf.String())
	}
	if env.Meta != nil {
		fmt.Fprintf(os.Stderr, "total=%d limit=%d offset=%d\n", env.Meta.Total, env.Meta.Limit, env.Meta.Offset)
	}
	return nil
}
