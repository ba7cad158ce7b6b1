package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show feed, queue and backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "Status", nil, func(r map[string]any) {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Profile:  %s (%s)\n", str(r["profile"]), str(r["display_name"]))
				fmt.Fprintf(w, "Feed:     %s, %d events, %d refreshes\n", str(r["state"]), num(r["events"]), num(r["refreshes"]))
				fmt.Fprintf(w, "Last:     event %s, refresh %s\n", ago(r["last_event_at_ms"]), ago(r["last_refresh_at_ms"]))
				fmt.Fprintf(w, "Threads:  %d (%d unread)\n", num(r["threads"]), num(r["unread"]))
				if q, ok := r["queue"].(map[string]any); ok {
					fmt.Fprintf(w, "Queue:    %d queued, %d sending, %d paused\n", num(q["queued"]), num(q["sending"]), num(q["paused"]))
				}
				if b, ok := r["backend"].(map[string]any); ok {
					if e := str(b["error"]); e != "" {
						fmt.Fprintf(w, "Backend:  unreachable: %s\n", e)
					} else {
						fmt.Fprintf(w, "Backend:  %s rpc=%v events=%v relay=%v\n",
							str(b["version"]), b["rpc_reachable"], b["events_reachable"], b["relay_configured"])
					}
				}
			})
		},
	}
}

func newThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			more, _ := cmd.Flags().GetBool("more")
			return run(cmd, "ListThreads", map[string]any{"more": more}, func(r map[string]any) {
				printThreads(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().Bool("more", false, "load the next page first")
	return cmd
}

func printThreads(w io.Writer, r map[string]any) {
	threads, _ := r["threads"].([]any)
	if len(threads) == 0 {
		fmt.Fprintln(w, "No threads.")
		return
	}
	for _, v := range threads {
		t, _ := v.(map[string]any)
		var flags []string
		if t["pinned"] == true {
			flags = append(flags, "pinned")
		}
		if t["muted"] == true {
			flags = append(flags, "muted")
		}
		if t["draft"] == true {
			flags = append(flags, "draft")
		}
		unread := ""
		if n := num(t["unread"]); n > 0 {
			unread = fmt.Sprintf("(%d)", n)
		}
		fmt.Fprintf(w, "%-24s %-20s %5s %-16s %s\n",
			str(t["id"]), str(t["name"]), unread, strings.Join(flags, ","), str(t["preview"]))
	}
	if r["has_more"] == true {
		fmt.Fprintln(w, "More threads: weftctl threads --more")
	}
}

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread <id>",
		Short: "Show a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			older, _ := cmd.Flags().GetBool("older")
			create, _ := cmd.Flags().GetBool("create")
			name, _ := cmd.Flags().GetString("name")
			req := map[string]any{"id": args[0], "older": older, "create": create, "name": name}
			return run(cmd, "GetThread", req, func(r map[string]any) {
				printThread(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().Bool("older", false, "load the next older page")
	cmd.Flags().Bool("create", false, "start a draft thread if none exists")
	cmd.Flags().String("name", "", "display name of a created thread")
	return cmd
}

func printThread(w io.Writer, r map[string]any) {
	t, _ := r["thread"].(map[string]any)
	fmt.Fprintf(w, "%s (%s)\n", str(t["name"]), str(t["id"]))
	msgs, _ := t["messages"].([]any)
	for _, v := range msgs {
		m, _ := v.(map[string]any)
		when := time.UnixMilli(num(m["sent_at_ms"])).Format("2006-01-02 15:04")
		line := fmt.Sprintf("[%s] %s: %s", when, str(m["author"]), str(m["body"]))
		if p, ok := m["paper"].(map[string]any); ok {
			line += fmt.Sprintf(" <%s>", str(p["uri"]))
		}
		if m["role"] == "self" {
			status := str(m["status"])
			if reason := str(m["reason_code"]); reason != "" {
				status += ": " + reason
			}
			line += " (" + status + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <thread> <text>...",
		Short: "Send a message; failures are queued for retry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			paperURI, _ := cmd.Flags().GetString("paper-uri")
			paperTitle, _ := cmd.Flags().GetString("paper-title")
			req := map[string]any{
				"thread_id":   args[0],
				"text":        strings.Join(args[1:], " "),
				"message_id":  id,
				"paper_uri":   paperURI,
				"paper_title": paperTitle,
			}
			return run(cmd, "SendMessage", req, func(r map[string]any) {
				w := cmd.OutOrStdout()
				if r["queued"] == true {
					fmt.Fprintf(w, "Queued %s as %s: %s\n", str(r["message_id"]), str(r["entry_id"]), str(r["detail"]))
					return
				}
				fmt.Fprintf(w, "Sent %s\n", str(r["message_id"]))
			})
		},
	}
	cmd.Flags().String("id", "", "message id (generated when empty)")
	cmd.Flags().String("paper-uri", "", "attach a paper reference")
	cmd.Flags().String("paper-title", "", "title of the paper reference")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List or act on the offline queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "ListQueue", nil, func(r map[string]any) {
				printQueue(cmd.OutOrStdout(), r)
			})
		},
	}
	for _, action := range []string{"retry", "pause", "resume", "remove"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <entry-id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a queue entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, "QueueAction", map[string]any{"action": action, "id": args[0]}, func(r map[string]any) {
					printAction(cmd.OutOrStdout(), action, args[0], r)
				})
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queue entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "QueueAction", map[string]any{"action": "clear"}, func(r map[string]any) {
				printAction(cmd.OutOrStdout(), "clear", "", r)
			})
		},
	})
	return cmd
}

func printQueue(w io.Writer, r map[string]any) {
	entries, _ := r["entries"].([]any)
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, v := range entries {
		e, _ := v.(map[string]any)
		next := "-"
		if e["status"] == "queued" {
			next = time.UnixMilli(num(e["next_retry_at_ms"])).Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%-28s %-8s %-12s attempts=%d next=%s %s\n",
			str(e["id"]), str(e["status"]), str(e["thread_id"]), num(e["attempts"]), next, str(e["last_error"]))
	}
}

func printAction(w io.Writer, action, id string, r map[string]any) {
	if id == "" {
		fmt.Fprintf(w, "Queue %s done\n", action)
	} else {
		fmt.Fprintf(w, "Queue %s %s done\n", action, id)
	}
	if r["persisted"] == false {
		fmt.Fprintf(w, "Warning: queue not saved (%s): %s\n", str(r["code"]), str(r["message"]))
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload threads from the mesh daemon now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "Refresh", nil, func(map[string]any) {
				fmt.Fprintln(cmd.OutOrStdout(), "Refreshed")
			})
		},
	}
}

func newPrefCmd(use, short, field string, value bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <thread>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "SetPreference", map[string]any{"thread_id": args[0], field: value}, func(map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s=%v\n", args[0], field, value)
			})
		},
	}
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [thread]",
		Short: "Mark a thread, or all threads, as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			req := map[string]any{"all": all}
			if len(args) == 1 {
				req["thread_id"] = args[0]
			} else if !all {
				return fmt.Errorf("give a thread or --all")
			}
			return run(cmd, "MarkRead", req, func(r map[string]any) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", num(r["unread"]))
			})
		},
	}
	cmd.Flags().Bool("all", false, "mark every thread as read")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream daemon events (feed., queue., threads.)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			req := map[string]any{}
			if len(args) == 1 {
				req["namespace"] = args[0]
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			err = c.Watch(cmd.Context(), req, func(evt map[string]any) error {
				if jsonOut {
					return outputJSON(cmd, evt)
				}
				when := time.UnixMilli(num(evt["occurred_at_unix_ms"])).Format(time.TimeOnly)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-24s %v\n", when, str(evt["kind"]), evt["payload"])
				return nil
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return explain(cmd, err)
		},
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num reads a JSON number; structpb carries every number as a float64.
func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func ago(v any) string {
	ms := num(v)
	if ms == 0 {
		return "never"
	}
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String() + " ago"
}
