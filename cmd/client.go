package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cim/client"
	"cim/route"
)

var clientCmd = &cobra.Command{
	Use:   "client <userName>",
	Short: "start the console client",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"user.secret": "secret",
			"user.id":     "id",
			"group.id":    "group",
		})
	},
	RunE: clientMain,
}

func init() {
	clientCmd.Flags().StringP("secret", "s", "", "password of the user")
	clientCmd.Flags().Int64("id", 0, "userId, skips registration")
	clientCmd.Flags().Int64P("group", "g", 0, "group for non-command input (0: everyone online)")
	clientCmd.Flags().Bool("force", false, "clear an existing session of the user before logging in")

	rootCmd.AddCommand(clientCmd)
}

func clientMain(cmd *cobra.Command, args []string) error {
	v.Set("user.name", args[0])
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	ccfg := client.ConfigFrom(cfg)
	ccfg.Force = force

	var con *client.Console
	c := client.New(route.NewClient(cfg.RouteURL), ccfg, func(m client.Message) { con.Print(m) })
	con = client.NewConsole(c, cfg.GroupID, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%d) on %s, :all for help\n", cfg.UserName, c.UserID(), c.Server())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return c.Close()
			}
			quit, err := con.Handle(ctx, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
			if quit {
				return c.Close()
			}
		case <-c.Done():
			return c.Err()
		case <-ctx.Done():
			return c.Close()
		}
	}
}
