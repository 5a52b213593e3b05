package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/spacesync/internal/store"
	"github.com/spf13/cobra"
)

// SeedOptions describes one space and its collaborators.
type SeedOptions struct {
	SpaceID string
	Name    string
	Owner   string
	Admins  []string
	Editors []string
	Viewers []string
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a space with its users and collaborators",
		Long: `Create a space, its owner and collaborators in the record store.
Users that already exist are reused.

Example:
  spacesync seed --space demo --owner alice --editor bob --viewer carol`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := Seed(cmd.Context(), st, *opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "space %s ready\n", opts.SpaceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SpaceID, "space", "", "space id (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name, defaults to the id")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner user id (required)")
	cmd.Flags().StringSliceVar(&opts.Admins, "admin", nil, "admin user ids")
	cmd.Flags().StringSliceVar(&opts.Editors, "editor", nil, "editor user ids")
	cmd.Flags().StringSliceVar(&opts.Viewers, "viewer", nil, "viewer user ids")
	_ = cmd.MarkFlagRequired("space")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

// Seed creates the space described by opts in st.
func Seed(ctx context.Context, st store.Store, opts SeedOptions) error {
	ensureUser := func(id string) error {
		_, err := st.CreateUser(ctx, store.User{ID: id, DisplayName: id})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("create user %s: %w", id, err)
		}
		return nil
	}

	if err := ensureUser(opts.Owner); err != nil {
		return err
	}
	name := opts.Name
	if name == "" {
		name = opts.SpaceID
	}
	if _, err := st.CreateSpace(ctx, store.Space{ID: opts.SpaceID, Name: name, OwnerID: opts.Owner}); err != nil {
		return fmt.Errorf("create space %s: %w", opts.SpaceID, err)
	}

	groups := []struct {
		role  string
		users []string
	}{
		{"ADMIN", opts.Admins},
		{"EDITOR", opts.Editors},
		{"VIEWER", opts.Viewers},
	}
	for _, g := range groups {
		for _, id := range g.users {
			if err := ensureUser(id); err != nil {
				return err
			}
			if err := st.AddCollaborator(ctx, store.Collaborator{SpaceID: opts.SpaceID, UserID: id, Role: g.role}); err != nil {
				return fmt.Errorf("add %s as %s: %w", id, g.role, err)
			}
		}
	}
	return nil
}
