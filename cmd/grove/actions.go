package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grovekit/grove/pkg/client"
	"github.com/spf13/cobra"
)

func agentClient(cmd *cobra.Command) *client.Client {
	agent, _ := cmd.Flags().GetString("agent")
	return client.New(agent)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Minute)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster health and membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeSet, _ := cmd.Flags().GetBool("cluster-set")
		ctx, cancel := commandContext()
		defer cancel()

		status, err := agentClient(cmd).ClusterStatus(ctx, includeSet)
		if err != nil {
			return err
		}

		fmt.Printf("Cluster:  %s\n", status.ClusterName)
		fmt.Printf("Health:   %s", status.Health)
		if status.Detail != "" {
			fmt.Printf(" (%s)", status.Detail)
		}
		fmt.Println()
		fmt.Printf("Primary:  %s\n", status.PrimaryID)
		fmt.Printf("TLS:      %v\n", status.TLSEnabled)
		fmt.Println("Members:")
		for _, m := range status.Members {
			fmt.Printf("  %-20s %-12s %s\n", m.ID, m.Role, m.Address)
		}
		if status.ClusterSet != nil {
			fmt.Printf("Cluster set %s: primary=%s replicas=%v\n",
				status.ClusterSet.DomainID, status.ClusterSet.PrimaryName, status.ClusterSet.Replicas)
		}
		return nil
	},
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage internal account passwords",
}

var getPasswordCmd = &cobra.Command{
	Use:   "get <username>",
	Short: "Fetch an internal account's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		password, err := agentClient(cmd).GetPassword(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(password)
		return nil
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set <username>",
	Short: "Rotate an internal account's password",
	Long: `Rotate an internal account's password. Without --password a new
random value is generated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).SetPassword(ctx, args[0], password); err != nil {
			return err
		}
		fmt.Printf("Password for %s rotated\n", args[0])
		return nil
	},
}

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "Manage TLS material",
}

var setTLSKeyCmd = &cobra.Command{
	Use:   "set-key",
	Short: "Install a private key on this node",
	Long: `Install an operator-supplied TLS private key on the local node.
Without --key-file the node generates a fresh key. Private keys never
cross node boundaries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key-file")

		var keyPEM string
		if keyFile != "" {
			data, err := os.ReadFile(keyFile)
			if err != nil {
				return err
			}
			keyPEM = string(data)
		}

		ctx, cancel := commandContext()
		defer cancel()
		if err := agentClient(cmd).SetTLSPrivateKey(ctx, keyPEM); err != nil {
			return err
		}
		fmt.Println("Private key installed")
		return nil
	},
}

var enableTLSCmd = &cobra.Command{
	Use:   "enable",
	Short: "Issue a certificate and require TLS for new members",
	RunE: func(cmd *cobra.Command, args []string) error {
		dnsNames, _ := cmd.Flags().GetStringSlice("dns-name")
		ips, _ := cmd.Flags().GetStringSlice("ip-address")
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).EnableTLS(ctx, dnsNames, ips); err != nil {
			return err
		}
		fmt.Println("TLS enabled; new members now need issued certificates to join")
		return nil
	},
}

var disableTLSCmd = &cobra.Command{
	Use:   "disable",
	Short: "Revert to placeholder material and stop requiring TLS",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).DisableTLS(ctx); err != nil {
			return err
		}
		fmt.Println("TLS disabled")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backups",
}

var createBackupCmd = &cobra.Command{
	Use:   "create",
	Short: "Stream a snapshot to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		b, err := agentClient(cmd).CreateBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s completed (%d bytes, from %s)\n", b.ID, b.Size, b.SourceNode)
		return nil
	},
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		backups, err := agentClient(cmd).ListBackups(ctx)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups recorded")
			return nil
		}
		fmt.Printf("%-38s %-12s %-14s %s\n", "ID", "STATUS", "SOURCE", "STARTED")
		for _, b := range backups {
			fmt.Printf("%-38s %-12s %-14s %s\n", b.ID, b.Status, b.SourceNode,
				b.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup onto this node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		restoreTo, _ := cmd.Flags().GetString("restore-to-time")
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).Restore(ctx, args[0], restoreTo); err != nil {
			return err
		}
		fmt.Printf("Backup %s restored\n", args[0])
		fmt.Println("Run 'grove recreate-cluster' to bootstrap a fresh cluster from the restored data.")
		return nil
	},
}

var preUpgradeCheckCmd = &cobra.Command{
	Use:   "pre-upgrade-check",
	Short: "Verify the cluster is ready for a rolling upgrade",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		report, err := agentClient(cmd).PreUpgradeCheck(ctx)
		if err != nil {
			return err
		}
		for _, c := range report.Checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("  [%-4s] %s", mark, c.Name)
			if c.Detail != "" {
				fmt.Printf(" (%s)", c.Detail)
			}
			fmt.Println()
		}
		if !report.Ready {
			return fmt.Errorf("cluster is not ready for upgrade")
		}
		fmt.Println("Cluster is ready for upgrade")
		return nil
	},
}

var replicationCmd = &cobra.Command{
	Use:   "create-replication <name>",
	Short: "Offer this cluster for cross-cluster replication",
	Long: `Offer this cluster as the primary of a cluster set. With --address
the replica cluster at that engine address is linked immediately;
linking fails if the replica has committed transactions outside this
cluster's history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		ctx, cancel := commandContext()
		defer cancel()

		set, err := agentClient(cmd).CreateReplication(ctx, args[0], address)
		if err != nil {
			return err
		}
		fmt.Printf("Cluster set %s: primary=%s replicas=%v\n", set.DomainID, set.PrimaryName, set.Replicas)
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote-to-primary <target>",
	Short: "Move the primary role to a node or replica cluster",
	Long: `Promote a node within the cluster (--scope unit) or a replica
cluster in the set (--scope cluster). Forced cluster promotion is for
failover when the primary is unreachable; the operator must first
ensure no remnant of the old primary can still accept writes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		force, _ := cmd.Flags().GetBool("force")
		primaryAddress, _ := cmd.Flags().GetString("primary-address")
		ctx, cancel := commandContext()
		defer cancel()

		result, err := agentClient(cmd).Promote(ctx, scope, args[0], force, primaryAddress)
		if err != nil {
			return err
		}
		if result.Warning != "" {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", result.Warning)
		}
		fmt.Printf("Promoted %s\n", args[0])
		return nil
	},
}

var recreateCmd = &cobra.Command{
	Use:   "recreate-cluster",
	Short: "Dissolve and re-bootstrap the cluster from local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).RecreateCluster(ctx); err != nil {
			return err
		}
		fmt.Println("Cluster recreated")
		return nil
	},
}

var rejoinCmd = &cobra.Command{
	Use:   "rejoin-cluster <cluster-name>",
	Short: "Rejoin a demoted replica cluster to the set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		ctx, cancel := commandContext()
		defer cancel()

		if err := agentClient(cmd).RejoinCluster(ctx, args[0], address); err != nil {
			return err
		}
		fmt.Printf("Cluster %s rejoined the set\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("cluster-set", false, "Include cluster set topology")

	setPasswordCmd.Flags().String("password", "", "Explicit password (generated when omitted)")
	passwordCmd.AddCommand(getPasswordCmd)
	passwordCmd.AddCommand(setPasswordCmd)

	setTLSKeyCmd.Flags().String("key-file", "", "PEM file with the private key")
	enableTLSCmd.Flags().StringSlice("dns-name", nil, "Extra DNS name for the certificate (repeatable)")
	enableTLSCmd.Flags().StringSlice("ip-address", nil, "Extra IP address for the certificate (repeatable)")
	tlsCmd.AddCommand(setTLSKeyCmd)
	tlsCmd.AddCommand(enableTLSCmd)
	tlsCmd.AddCommand(disableTLSCmd)

	restoreCmd.Flags().String("restore-to-time", "", "Replay transactions up to this RFC 3339 timestamp")
	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(restoreCmd)

	replicationCmd.Flags().String("address", "", "Engine address of the replica cluster to link")

	promoteCmd.Flags().String("scope", "unit", "Promotion scope: unit or cluster")
	promoteCmd.Flags().Bool("force", false, "Force promotion during failover")
	promoteCmd.Flags().String("primary-address", "", "Engine address of the set's current primary (graceful cluster promotion)")

	rejoinCmd.Flags().String("address", "", "Engine address of the cluster to rejoin")
	_ = rejoinCmd.MarkFlagRequired("address")
}
