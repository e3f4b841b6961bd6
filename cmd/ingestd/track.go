package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/db"
	"github.com/openmusicplayer/ingestd/internal/tracks"
)

var (
	trackOwner       string
	trackTitle       string
	trackExternalURL string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Manage track records",
}

// Track metadata is owned by the catalogue service; this exists so a
// local setup has something to upload against.
var trackCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending track record",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.New(cfg.DSN())
		if err != nil {
			return err
		}
		defer database.Close()

		t := &tracks.Track{
			ID:                uuid.NewString(),
			CreatedBy:         trackOwner,
			Title:             trackTitle,
			ExternalStreamURL: trackExternalURL,
		}
		if trackExternalURL != "" {
			t.Status = tracks.StatusReady
		}
		if err := db.NewTrackRepository(database.DB).Create(cmd.Context(), t); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.ID)
		return nil
	},
}

func init() {
	trackCreateCmd.Flags().StringVar(&trackOwner, "owner", "", "user id of the owning artist")
	trackCreateCmd.Flags().StringVar(&trackTitle, "title", "", "track title")
	trackCreateCmd.Flags().StringVar(&trackExternalURL, "external-url", "", "stream from this URL instead of uploaded audio")
	_ = trackCreateCmd.MarkFlagRequired("owner")
	trackCmd.AddCommand(trackCreateCmd)
}
