package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var (
	getDefaults string
	setFile     string
	setString   bool
	clearYes    bool
)

var getCmd = &cobra.Command{
	Use:   "get [key...]",
	Short: "Read values from the store",
	Long: `Read values from the store and print them as a JSON object.

Without keys every entry is printed. One key prints that key, null when it is
absent. Several keys print only those present. --defaults takes a JSON object
and prints each of its keys, falling back to its value when the key is absent.

Examples:
  lockbox get
  lockbox get settings
  lockbox get theme language
  lockbox get --defaults '{"theme":"dark"}'`,
	Annotations: map[string]string{needsStore: ""},
	RunE:        runGet,
}

var setCmd = &cobra.Command{
	Use:   "set <key> <json> [<key> <json>...]",
	Short: "Write values to the store",
	Long: `Write one batch of values. Values are JSON unless --string is given.
The whole batch is rejected when the store would exceed its quota.

Examples:
  lockbox set theme '"light"'
  lockbox set --string theme light
  lockbox set --file items.json`,
	Annotations: map[string]string{needsStore: ""},
	RunE:        runSet,
}

var removeCmd = &cobra.Command{
	Use:         "remove <key>...",
	Aliases:     []string{"rm"},
	Short:       "Remove keys from the store",
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{needsStore: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cache.Remove(cmd.Context(), args...); err != nil {
			return fmt.Errorf("failed to remove keys: %w", err)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:         "clear",
	Short:       "Remove every key from the store",
	Long:        "Remove every key from the store. Defaults come back the next time the store is opened.",
	Annotations: map[string]string{needsStore: ""},
	RunE:        runClear,
}

var hasCmd = &cobra.Command{
	Use:         "has <key>",
	Short:       "Report whether a key holds a trusted value",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{needsStore: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := cache.Has(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:         "keys",
	Short:       "List the keys of the store",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{needsStore: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := cache.Keys(cmd.Context())
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd, setCmd, removeCmd, clearCmd, hasCmd, keysCmd)

	getCmd.Flags().StringVar(&getDefaults, "defaults", "", "JSON object of keys and fallback values")
	setCmd.Flags().StringVarP(&setFile, "file", "f", "", "JSON object file holding the items to write")
	setCmd.Flags().BoolVar(&setString, "string", false, "treat values as plain strings")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
}

func runGet(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(args, getDefaults)
	if err != nil {
		return err
	}
	values, err := cache.Get(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), values)
}

func runSet(cmd *cobra.Command, args []string) error {
	var items lockbox.Values
	var err error
	if setFile != "" {
		if len(args) > 0 {
			return fmt.Errorf("use either --file or key/value arguments")
		}
		items, err = readItemsFile(setFile)
	} else {
		items, err = parseItems(args, setString)
	}
	if err != nil {
		return err
	}

	if err = cache.Set(cmd.Context(), items); err != nil {
		return fmt.Errorf("failed to write %d item(s): %w", len(items), err)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		ok, err := confirm(cmd, fmt.Sprintf("Remove every key from store %q?", storeName()))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}
	if err := cache.Clear(cmd.Context()); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// buildQuery picks the query mode from the arguments
func buildQuery(args []string, defaults string) (lockbox.Query, error) {
	if defaults != "" {
		if len(args) > 0 {
			return lockbox.Query{}, fmt.Errorf("keys cannot be combined with --defaults")
		}
		var values lockbox.Values
		if err := json.Unmarshal([]byte(defaults), &values); err != nil {
			return lockbox.Query{}, fmt.Errorf("--defaults must be a JSON object: %w", err)
		}
		return lockbox.WithDefaults(values), nil
	}
	switch len(args) {
	case 0:
		return lockbox.AllKeys(), nil
	case 1:
		return lockbox.Key(args[0]), nil
	default:
		return lockbox.KeyList(args...), nil
	}
}

// parseItems reads alternating keys and values
func parseItems(args []string, asString bool) (lockbox.Values, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("expected key/value pairs, got %d argument(s)", len(args))
	}
	items := make(lockbox.Values, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, value := args[i], args[i+1]
		if key == "" {
			return nil, fmt.Errorf("empty key at position %d", i+1)
		}
		if asString {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			items[key] = encoded
			continue
		}
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("value for %q is not valid JSON (use --string for plain text)", key)
		}
		items[key] = json.RawMessage(value)
	}
	return items, nil
}

func readItemsFile(path string) (lockbox.Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var items lockbox.Values
	if err = json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%s must hold a JSON object: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s holds no items", path)
	}
	return items, nil
}

func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false, nil
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
