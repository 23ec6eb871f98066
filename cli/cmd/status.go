package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox/custody"
	"southwinds.dev/lockbox/notify"
)

var statusCmd = &cobra.Command{
	Use:         "status",
	Short:       "Show store status",
	Long:        "Display the store served, its size against the quota, the gateway instance and where each secret is kept.",
	Annotations: map[string]string{needsStore: ""},
	RunE:        showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Store:\t%s\n", storeName())

	keys, err := cache.Keys(cmd.Context())
	if err != nil {
		fmt.Fprintf(w, "Keys:\tERROR - %v\n", err)
	} else {
		fmt.Fprintf(w, "Keys:\t%d\n", len(keys))
	}

	if gateway == nil {
		fmt.Fprintf(w, "Mode:\tremote (%s)\n", viper.GetString("nats.url"))
		return nil
	}

	fmt.Fprintf(w, "Mode:\tlocal\n")
	fmt.Fprintf(w, "Data Directory:\t%s\n", viper.GetString("store.data_dir"))

	ready := gateway.Ready()
	fmt.Fprintf(w, "Instance:\t%s (started %s)\n", ready.InstanceID, time.Unix(0, ready.StartedAt).Format(time.RFC3339))

	size, limit, err := gateway.Size()
	if err != nil {
		fmt.Fprintf(w, "Size:\tERROR - %v\n", err)
	} else {
		fmt.Fprintf(w, "Size:\t%s of %s (%.1f%%)\n", notify.Bytes(size), notify.Bytes(limit), 100*float64(size)/float64(limit))
	}

	custodian, err := custody.New(custody.Config{
		Dir:      filepath.Join(viper.GetString("store.data_dir"), "keys"),
		Enclave:  custody.UnavailableEnclave{},
		Hardened: viper.GetBool("store.hardened"),
	})
	if err != nil {
		return err
	}
	for _, kind := range custody.Kinds {
		tier, err := custodian.Tier(kind)
		if err != nil {
			fmt.Fprintf(w, "Secret (%s):\tERROR - %v\n", kind, err)
			continue
		}
		fmt.Fprintf(w, "Secret (%s):\t%s\n", kind, tier)
	}
	fmt.Fprintf(w, "Hardened:\t%v\n", custodian.Hardened())
	return nil
}
