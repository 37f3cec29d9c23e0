package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mindbridge/internal/store"
	"mindbridge/pkg/types"
)

func newTherapistCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "therapist",
		Short: "Manage therapist profiles in the backing store",
	}
	cmd.AddCommand(newTherapistAddCmd(opts))
	return cmd
}

func newTherapistAddCmd(opts *rootOptions) *cobra.Command {
	var (
		t            types.Therapist
		sessionTypes []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a therapist profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !types.IsValidIdentity(t.ID) {
				return types.ErrInvalidIdentity
			}
			if t.Alias == "" {
				return errors.New("alias cannot be empty")
			}
			for _, s := range sessionTypes {
				st, err := types.ParseSessionType(s)
				if err != nil {
					return err
				}
				t.SessionTypes = append(t.SessionTypes, st)
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := store.New(store.Driver(cfg.Database.Driver),
				store.WithSQLite(&cfg.Database.SQLite),
				store.WithSupabase(cfg.Database.Supabase),
			)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.UpsertTherapist(cmd.Context(), &t); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "therapist %s (%s) saved\n", t.ID, t.Alias)
			return err
		},
	}

	cmd.Flags().StringVar(&t.ID, "id", "", "therapist identity as issued by the auth layer")
	cmd.Flags().StringVar(&t.Alias, "alias", "", "display alias")
	cmd.Flags().StringSliceVar(&t.Specializations, "specialization", nil, "specializations (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&t.Languages, "language", nil, "languages (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&sessionTypes, "session-type", nil, "text, voice or video")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("alias")
	return cmd
}
