package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/deemkeen/forumpub/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	actorType    string
	actorModel   string
	actorModelId string
	actorName    string
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Show queued tasks and per-domain delivery failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()
		ctx := cmd.Context()

		counts, err := a.db.CountTasks(ctx)
		if err != nil {
			return err
		}
		failures, err := a.db.ReadDeliveryFailures(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tQUEUED")
		for kind, n := range counts {
			fmt.Fprintf(w, "%s\t%d\n", kind, n)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DOMAIN\tFAILURES\tLAST FAILURE\tAVAILABLE")
		for _, f := range failures {
			last := "-"
			if f.LastFailureAt != nil {
				last = f.LastFailureAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", f.Domain, f.FailureCount, last, a.tracker.DomainAvailable(ctx, f.Domain))
		}
		return w.Flush()
	},
}

var actorsCmd = &cobra.Command{
	Use:   "actors",
	Short: "List and provision local actors",
}

var actorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local actors",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()

		actors, err := a.db.ReadLocalActors(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tTYPE\tMODEL\tREADY\tID")
		for i := range actors {
			act := &actors[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", act.Username, act.ApType, act.ModelType, act.Ready(), act.ApId)
		}
		return w.Flush()
	},
}

var actorsProvisionCmd = &cobra.Command{
	Use:   "provision <username>",
	Short: "Create the actor of a local category, tag or user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelId := uuid.New()
		if actorModelId != "" {
			id, err := uuid.Parse(actorModelId)
			if err != nil {
				return fmt.Errorf("invalid model id: %w", err)
			}
			modelId = id
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()

		name := actorName
		if name == "" {
			name = args[0]
		}
		actor, err := a.provisioner.EnsureActor(cmd.Context(), actorModel, modelId, actorType, args[0], name)
		if err != nil {
			return err
		}
		fmt.Println(actor.ApId)
		return nil
	},
}

var actorsRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Delete a local actor, or tombstone it once it has federated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()

		actor, err := a.db.ReadLocalActorByUsername(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("no local actor %s: %w", args[0], err)
		}
		return a.provisioner.RemoveActor(cmd.Context(), actor)
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <username> <remote actor IRI>",
	Short: "Send a Follow from a local actor to a remote one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocalActor(cmd, args[0], func(a *app, local *domain.Actor) error {
			act, err := a.publisher.Follow(cmd.Context(), local, args[1])
			if err != nil {
				return err
			}
			fmt.Println(act.ApId)
			return nil
		})
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <username> <remote actor IRI>",
	Short: "Undo the Follow of a remote actor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocalActor(cmd, args[0], func(a *app, local *domain.Actor) error {
			return unfollow(cmd.Context(), a, local, args[1], cmd.OutOrStdout())
		})
	},
}

func unfollow(ctx context.Context, a *app, local *domain.Actor, remoteURI string, w io.Writer) error {
	act, err := a.publisher.Unfollow(ctx, local, remoteURI)
	if err != nil {
		return err
	}
	if act == nil {
		fmt.Fprintf(w, "%s is not following %s\n", local.Username, remoteURI)
		return nil
	}
	fmt.Fprintln(w, act.ApId)
	return nil
}

func withLocalActor(cmd *cobra.Command, username string, f func(*app, *domain.Actor) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	local, err := a.db.ReadLocalActorByUsername(cmd.Context(), username)
	if err != nil {
		return fmt.Errorf("no local actor %s: %w", username, err)
	}
	return f(a, local)
}

func init() {
	actorsProvisionCmd.Flags().StringVar(&actorType, "type", "Group", "ActivityPub type of the actor (Group, Organization, Application)")
	actorsProvisionCmd.Flags().StringVar(&actorModel, "model", domain.ModelCategory, "model the actor represents (category, tag, user)")
	actorsProvisionCmd.Flags().StringVar(&actorModelId, "model-id", "", "id of the model; a new one is generated when empty")
	actorsProvisionCmd.Flags().StringVar(&actorName, "name", "", "display name, defaults to the username")
	actorsCmd.AddCommand(actorsListCmd, actorsProvisionCmd, actorsRemoveCmd)
}
