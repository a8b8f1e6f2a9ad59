package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/encoding"
)

type enqueueFlags struct {
	delivery           string
	status             string
	signedAt           string
	signature          string
	photos             []string
	lat                float64
	lng                float64
	observations       string
	receivedByName     string
	receivedByDocument string
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var f enqueueFlags

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a proof of delivery for later submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := f.payload(cmd)
			if err != nil {
				return err
			}

			q, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}

			item, err := q.Enqueue(cmd.Context(), f.delivery, payload)
			if err != nil {
				return err
			}

			pending, err := q.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued POD for delivery %s as item %s (%d pending)\n", item.DeliveryID, item.ID, pending)

			ctx.pingSyncd(cmd.Context(), q)
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var f enqueueFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Send a proof of delivery now, queueing it if the API cannot be reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := f.payload(cmd)
			if err != nil {
				return err
			}

			q, err := ctx.queue(cmd.Context())
			if err != nil {
				return err
			}

			res, err := q.Submit(cmd.Context(), f.delivery, payload)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Sent {
				fmt.Fprintf(out, "Sent POD for delivery %s\n", strings.TrimSpace(f.delivery))
				if res.Replay != nil {
					fmt.Fprintf(out, "Sent %d of %d queued, %d failed, %d still queued\n",
						res.Replay.Succeeded, res.Replay.Attempted, res.Replay.Failed, res.Replay.Remaining)
				}
				return nil
			}

			if res.SendErr != nil {
				fmt.Fprintf(out, "Could not send POD for delivery %s: %v\n", res.Item.DeliveryID, res.SendErr)
			}
			pending, err := q.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queued POD for delivery %s as item %s (%d pending)\n", res.Item.DeliveryID, res.Item.ID, pending)

			ctx.pingSyncd(cmd.Context(), q)
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func (f *enqueueFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.delivery, "delivery", "", "Delivery identifier")
	flags.StringVar(&f.status, "status", string(models.StatusDelivered), "Outcome: delivered, failed or partial")
	flags.StringVar(&f.signedAt, "signed-at", "", "Signature timestamp (RFC 3339, defaults to now)")
	flags.StringVar(&f.signature, "signature", "", "Signature image file")
	flags.StringArrayVar(&f.photos, "photo", nil, "Photo file (repeatable)")
	flags.Float64Var(&f.lat, "lat", 0, "Latitude")
	flags.Float64Var(&f.lng, "lng", 0, "Longitude")
	flags.StringVar(&f.observations, "observations", "", "Free-text observations")
	flags.StringVar(&f.receivedByName, "received-by-name", "", "Name of the person who received the delivery")
	flags.StringVar(&f.receivedByDocument, "received-by-document", "", "Document of the person who received the delivery")
	_ = cmd.MarkFlagRequired("delivery")
}

func (f *enqueueFlags) payload(cmd *cobra.Command) (models.Payload, error) {
	status := models.Status(strings.ToLower(strings.TrimSpace(f.status)))
	if !status.Valid() {
		return models.Payload{}, fmt.Errorf("invalid status %q: expected delivered, failed or partial", f.status)
	}

	signedAt := strings.TrimSpace(f.signedAt)
	if signedAt == "" {
		signedAt = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, signedAt); err != nil {
		return models.Payload{}, fmt.Errorf("invalid --signed-at: %w", err)
	}

	p := models.Payload{
		Status:             status,
		SignedAt:           signedAt,
		Observations:       f.observations,
		ReceivedByName:     f.receivedByName,
		ReceivedByDocument: f.receivedByDocument,
	}

	latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
	if latSet != lngSet {
		return models.Payload{}, fmt.Errorf("--lat and --lng must be given together")
	}
	if latSet {
		p.Location = models.NewLocation(f.lng, f.lat)
	}

	if f.signature != "" {
		sig, err := fileDataURL(f.signature)
		if err != nil {
			return models.Payload{}, err
		}
		p.Signature = sig
	}

	for _, path := range f.photos {
		photo, err := fileDataURL(path)
		if err != nil {
			return models.Payload{}, err
		}
		p.Images = append(p.Images, photo)
	}

	return p, nil
}

func fileDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty", path)
	}
	return encoding.EncodeDataURL(data, ""), nil
}
