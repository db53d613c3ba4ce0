package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/pixmirror/internal/models"
	"github.com/kimhsiao/pixmirror/internal/uuid"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Add image files to the library",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()
		failed := 0
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
				failed++
				continue
			}
			rec, err := app.service.Ingest(ctx, filepath.Base(path), f)
			f.Close()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error ingesting %s: %v\n", path, err)
				failed++
				continue
			}
			note := ""
			if rec.IsCorrupted {
				note = " (corrupted: undecodable pixel data)"
			}
			fmt.Printf("Added %s  %s  %dx%d %s%s\n",
				rec.UUID, rec.Filename, rec.Width, rec.Height, rec.Format, note)
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List images in the library",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		recs, err := app.service.ListImages()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing images: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tFILENAME\tDIMENSIONS\tFORMAT\tSIZE\tUPDATED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%dx%d\t%s\t%d\t%s\n",
				rec.UUID, rec.Filename, rec.Width, rec.Height, rec.Format,
				rec.FileSize, time.Unix(rec.UpdatedAt, 0).Format(time.RFC3339))
		}
		w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show an image record and its extended metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := uuid.Validate(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		id := models.UUID(args[0])
		rec, err := app.service.GetImage(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("UUID:       %s\n", rec.UUID)
		fmt.Printf("Filename:   %s\n", rec.Filename)
		fmt.Printf("Format:     %s (%s)\n", rec.Format, rec.MIMEType)
		fmt.Printf("Dimensions: %dx%d\n", rec.Width, rec.Height)
		fmt.Printf("Size:       %d bytes\n", rec.FileSize)
		fmt.Printf("Hash:       %s\n", rec.Hash)
		fmt.Printf("Pages:      %d\n", rec.PageCount)
		fmt.Printf("Corrupted:  %v\n", rec.IsCorrupted)
		fmt.Printf("Created:    %s\n", time.Unix(rec.CreatedAt, 0).Format(time.RFC3339))
		fmt.Printf("Updated:    %s\n", time.Unix(rec.UpdatedAt, 0).Format(time.RFC3339))

		md, err := app.service.GetExtendedMetadata(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading metadata: %v\n", err)
			os.Exit(1)
		}
		if md == nil {
			return
		}
		fmt.Println("Metadata:")
		if md.CameraMake != "" || md.CameraModel != "" {
			fmt.Printf("  Camera:   %s %s\n", md.CameraMake, md.CameraModel)
		}
		if md.LensModel != "" {
			fmt.Printf("  Lens:     %s\n", md.LensModel)
		}
		if md.CapturedAt != 0 {
			fmt.Printf("  Captured: %s\n", time.Unix(md.CapturedAt, 0).Format(time.RFC3339))
		}
		for k, v := range md.Extra {
			fmt.Printf("  %s: %s\n", k, v)
		}
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <uuid>",
	Short: "Delete an image from the library",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := uuid.Validate(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		if err := app.service.DeleteImage(context.Background(), models.UUID(args[0])); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting image: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rmCmd)
}
