package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/profile"
)

const (
	tableColProfileID   = 14
	tableColProfileName = 20
	tableColEmail       = 28
	tableColConfigDir   = 32
)

func handleProfiles(args []string) error {
	if len(args) == 0 {
		printProfilesHelp()
		return nil
	}
	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		printProfilesHelp()
		return nil
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	a.initLogging(false)
	store, db, err := a.openProfiles()
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd {
	case "list", "ls":
		return profilesList(store, rest, os.Stdout)
	case "add":
		return profilesAdd(store, rest)
	case "token":
		return profilesToken(store, rest, os.Stdin)
	case "use":
		return profilesUse(store, rest)
	case "auto-switch":
		return profilesAutoSwitch(store, rest)
	case "remove", "rm":
		return profilesRemove(store, rest)
	default:
		return fmt.Errorf("unknown profiles command: %s", cmd)
	}
}

func printProfilesHelp() {
	fmt.Println("Usage: agentterm profiles <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list                             Show profiles; * marks the active one")
	fmt.Println("  add <id> [--name n] [--config-dir d] [--default]")
	fmt.Println("  token <id> <token|-> [--email e] Store an OAuth token (- reads stdin)")
	fmt.Println("  use <id>                         Make a profile active")
	fmt.Println("  auto-switch on|off               Switch profiles on rate limits")
	fmt.Println("  remove <id>                      Delete a profile and its history")
	fmt.Println()
	fmt.Printf("A session created over the API with id %q captures the token\n", invoke.LoginSessionID("<id>"))
	fmt.Println("printed by the assistant's login flow and stores it on the profile.")
}

func profilesList(store *profile.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("profiles list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	list, err := store.ListProfiles()
	if err != nil {
		return err
	}
	activeID := ""
	if active, err := store.GetActiveProfile(); err == nil {
		activeID = active.ID
	} else if !errors.Is(err, profile.ErrNotFound) {
		return err
	}
	auto, err := store.GetAutoSwitchSettings()
	if err != nil {
		return err
	}

	if *jsonOutput {
		enc := map[string]any{"active": activeID, "autoSwitch": auto.Enabled, "profiles": list}
		return printJSON(enc)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No profiles. Add one with: agentterm profiles add <id>")
		return nil
	}
	fmt.Fprint(out, renderProfiles(list, activeID))
	state := warnStyle.Render("off")
	if auto.Enabled {
		state = okStyle.Render("on")
	}
	fmt.Fprintln(out, dimStyle.Render("auto-switch: ")+state)
	return nil
}

func renderProfiles(list []*profile.Profile, activeID string) string {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		id := p.ID
		if p.ID == activeID {
			id = "*" + id
		}
		token := "-"
		if p.HasToken {
			token = "yes"
		}
		def := ""
		if p.IsDefault {
			def = "default"
		}
		rows = append(rows, []string{
			truncate(id, tableColProfileID),
			truncate(p.Name, tableColProfileName),
			def,
			token,
			truncate(p.Email, tableColEmail),
			truncateLeft(p.ConfigDir, tableColConfigDir),
		})
	}
	return table(
		[]string{"ID", "NAME", "", "TOKEN", "EMAIL", "CONFIG DIR"},
		[]int{tableColProfileID, tableColProfileName, 7, 5, tableColEmail, tableColConfigDir},
		rows,
	)
}

func profilesAdd(store *profile.Store, args []string) error {
	fs := flag.NewFlagSet("profiles add", flag.ContinueOnError)
	name := fs.String("name", "", "Display name (default: the id)")
	configDir := fs.String("config-dir", "", "Assistant config directory for this profile")
	isDefault := fs.Bool("default", false, "Use when no profile is active")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentterm profiles add <id> [--name n] [--config-dir d] [--default]")
	}
	id := fs.Arg(0)
	if strings.ContainsAny(id, " /\\") {
		return fmt.Errorf("profile id %q must not contain spaces or slashes", id)
	}
	displayName := *name
	if displayName == "" {
		displayName = id
	}
	if err := store.AddProfile(id, displayName, *configDir, *isDefault); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Saved profile " + id))
	return nil
}

func profilesToken(store *profile.Store, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("profiles token", flag.ContinueOnError)
	email := fs.String("email", "", "Account email")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: agentterm profiles token <id> <token|-> [--email e]")
	}
	token := fs.Arg(1)
	if token == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read token: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is empty")
	}
	if err := store.SetProfileToken(fs.Arg(0), token, *email); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Stored token for " + fs.Arg(0)))
	return nil
}

func profilesUse(store *profile.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentterm profiles use <id>")
	}
	if err := store.SetActiveProfile(args[0]); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Active profile: " + args[0]))
	return nil
}

func profilesAutoSwitch(store *profile.Store, args []string) error {
	if len(args) == 0 {
		s, err := store.GetAutoSwitchSettings()
		if err != nil {
			return err
		}
		fmt.Println("auto-switch:", strconv.FormatBool(s.Enabled))
		return nil
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes", "1":
		on = true
	case "off", "false", "no", "0":
	default:
		return fmt.Errorf("usage: agentterm profiles auto-switch on|off")
	}
	if err := store.SetAutoSwitch(on); err != nil {
		return err
	}
	fmt.Println("auto-switch:", strconv.FormatBool(on))
	return nil
}

func profilesRemove(store *profile.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentterm profiles remove <id>")
	}
	if err := store.RemoveProfile(args[0]); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Removed profile " + args[0]))
	return nil
}
