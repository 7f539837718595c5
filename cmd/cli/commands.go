package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// app holds the global flags shared by subcommands.
type app struct {
	server  string
	timeout time.Duration
}

func (a *app) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

// anon returns a client without credentials.
func (a *app) anon() *client { return newClient(a.server, "") }

// authed returns a client carrying the saved api key.
func (a *app) authed(cmd *cobra.Command) (*client, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, err
	}
	server := a.server
	if !cmd.Flags().Changed("server") && tf.Server != "" {
		server = tf.Server
	}
	return newClient(server, tf.APIKey), nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "rk",
		Short:         "report-keeper client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defServer := os.Getenv("REPORTS_SERVER")
	if defServer == "" {
		defServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&a.server, "server", defServer, "server base URL")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		versionCmd(),
		loginCmd(a),
		verifyCmd(a),
		logoutCmd(a),
		whoamiCmd(a),
		reportsCmd(a),
		usersCmd(a),
		filesCmd(a),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rk %s (%s)\n", version, buildDate)
		},
	}
}

// ---- auth ----

func loginCmd(a *app) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "login <value>",
		Short: "Request a verification code and save the issued api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := a.anon().callJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{
				"login_param": by,
				"value":       args[0],
			})
			if err != nil {
				return err
			}
			key, _ := out["api_key"].(string)
			if err := saveToken(tokenFile{Server: a.server, APIKey: key}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out["message"])
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "username", "login field: username, email or phone")
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <code>",
		Short: "Approve the pending session with the mailed code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.call(ctx, http.MethodPost, "/api/auth/login/verify"+query("code", args[0]), nil, "")
			if err != nil {
				return err
			}
			tf, _ := loadToken()
			// a re-initialised session comes with a new key and a new code
			if key, ok := out["api_key"].(string); ok && key != "" {
				tf.APIKey = key
			}
			tf.Approved, _ = out["approved"].(bool)
			if err := saveToken(tf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out["message"])
			return nil
		},
	}
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the api key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, "")
			if err != nil {
				return err
			}
			if err := clearToken(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out["message"])
			return nil
		},
	}
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the profile of the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printCall(cmd, http.MethodGet, "/api/profile", "user")
		},
	}
}

// printCall runs an authenticated request without a body and prints one field of the reply.
func (a *app) printCall(cmd *cobra.Command, method, path, field string) error {
	c, err := a.authed(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := a.ctx(cmd)
	defer cancel()
	out, err := c.call(ctx, method, path, nil, "")
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), out[field])
	return nil
}

// ---- reports ----

func reportsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "reports", Short: "Manage reports"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List visible reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printCall(cmd, http.MethodGet, "/api/reports", "reports")
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad id %q", args[0])
			}
			return a.printCall(cmd, http.MethodGet, fmt.Sprintf("/api/reports/%d", id), "report")
		},
	}

	var (
		title, text, day string
		files, extra     []string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extraJSON, err := parseExtra(extra)
			if err != nil {
				return err
			}
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.callMultipart(ctx, http.MethodPost, "/api/reports/add", map[string]string{
				"title":        title,
				"text":         text,
				"day":          day,
				"extra_fields": extraJSON,
			}, map[string][]string{"files": files})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out["report"])
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "report title (required)")
	add.Flags().StringVar(&text, "text", "", "report text")
	add.Flags().StringVar(&day, "day", "", "day as DD-MM-YYYY or YYYY-MM-DD (default today)")
	add.Flags().StringArrayVar(&files, "file", nil, "attachment path, repeatable")
	add.Flags().StringArrayVar(&extra, "extra", nil, "extra field key=value, repeatable")
	_ = add.MarkFlagRequired("title")

	var (
		eTitle, eText, eDay string
		eFiles, eExtra      []string
		eDrop               []int64
	)
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extraJSON, err := parseExtra(eExtra)
			if err != nil {
				return err
			}
			drop := make([]string, 0, len(eDrop))
			for _, id := range eDrop {
				drop = append(drop, strconv.FormatInt(id, 10))
			}
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.callMultipart(ctx, http.MethodPatch, "/api/reports/edit", map[string]string{
				"record_id":       args[0],
				"title":           eTitle,
				"text":            eText,
				"day":             eDay,
				"extra_fields":    extraJSON,
				"files_to_delete": strings.Join(drop, ","),
			}, map[string][]string{"files": eFiles})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out["report"])
			return nil
		},
	}
	edit.Flags().StringVar(&eTitle, "title", "", "new title")
	edit.Flags().StringVar(&eText, "text", "", "new text")
	edit.Flags().StringVar(&eDay, "day", "", "day the report belongs to")
	edit.Flags().StringArrayVar(&eFiles, "file", nil, "attachment to add, repeatable")
	edit.Flags().StringArrayVar(&eExtra, "extra", nil, "replacement extra field key=value, repeatable")
	edit.Flags().Int64SliceVar(&eDrop, "drop", nil, "attachment ids to delete")

	var dDay string
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a report and its attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printCall(cmd, http.MethodDelete, "/api/reports/delete/"+url.PathEscape(args[0])+query("day", dDay), "report")
		},
	}
	del.Flags().StringVar(&dDay, "day", "", "day the report belongs to")

	var vUser int64
	var vDay string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a user's day (administrators only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.callJSON(ctx, http.MethodPost, "/api/reports/validate", map[string]any{"user_id": vUser, "day": vDay})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out["day"])
			return nil
		},
	}
	validate.Flags().Int64Var(&vUser, "user", 0, "user id")
	validate.Flags().StringVar(&vDay, "day", "", "day to validate")
	_ = validate.MarkFlagRequired("user")
	_ = validate.MarkFlagRequired("day")

	cmd.AddCommand(list, get, add, edit, del, validate)
	return cmd
}

// ---- users ----

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage users (administrators only)"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printCall(cmd, http.MethodGet, "/api/users", "users")
		},
	}

	var username, fullname, email, phone, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.callJSON(ctx, http.MethodPost, "/api/users/add", map[string]string{
				"username": username,
				"fullname": fullname,
				"email":    email,
				"phone":    phone,
				"role":     role,
			})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out["user"])
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "username (required)")
	add.Flags().StringVar(&fullname, "fullname", "", "full name")
	add.Flags().StringVar(&email, "email", "", "email for verification codes")
	add.Flags().StringVar(&phone, "phone", "", "phone")
	add.Flags().StringVar(&role, "role", "", "role, Administrator for admins")
	_ = add.MarkFlagRequired("username")

	reset := &cobra.Command{
		Use:   "reset-database",
		Short: "Drop every session, report and attachment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printCall(cmd, http.MethodPost, "/api/admin/database/reset", "message")
		},
	}

	cmd.AddCommand(list, add, reset)
	return cmd
}

// ---- files ----

func filesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "files", Short: "Download attachments"}

	var output string
	get := &cobra.Command{
		Use:   "get <path>",
		Short: "Download an attachment, e.g. reports/3/7.pdf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			if output == "" || output == "-" {
				return c.download(ctx, args[0], cmd.OutOrStdout())
			}
			f, err := os.OpenFile(output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			if err := c.download(ctx, args[0], f); err != nil {
				_ = f.Close()
				_ = os.Remove(output)
				return err
			}
			return f.Close()
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "output file ('-' or empty = stdout)")

	link := &cobra.Command{
		Use:   "link <path>",
		Short: "Create a temporary download link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authed(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			out, err := c.callJSON(ctx, http.MethodPost, "/api/files/links", map[string]string{"path": args[0]})
			if err != nil {
				return err
			}
			u, _ := out["url"].(string)
			fmt.Fprintln(cmd.OutOrStdout(), c.base+u)
			return nil
		},
	}

	cmd.AddCommand(get, link)
	return cmd
}
