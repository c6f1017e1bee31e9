package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/classifier"
	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/feature"
	"github.com/ayusman/fingerspell/internal/symbol"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"
)

var (
	detectRotation  int
	detectMirrored  bool
	detectLandmarks bool
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Recognize the fingerspelled letter in one image file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDetect,
}

func init() {
	detectCmd.Flags().IntVar(&detectRotation, "rotation", 0, "clockwise rotation of the image in degrees (0, 90, 180, 270)")
	detectCmd.Flags().BoolVar(&detectMirrored, "mirrored", false, "the image comes from a front-facing camera")
	detectCmd.Flags().BoolVar(&detectLandmarks, "landmarks", false, "print the detected landmarks as JSON")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	img := gocv.IMRead(args[0], gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return fmt.Errorf("cannot read image %s", args[0])
	}
	frame := capture.NewFrame(img, detectRotation, detectMirrored, time.Now())
	defer frame.Release()

	det, err := detector.Open(detector.ModeSingleShot, cfg.DetectorConfig())
	if err != nil {
		return err
	}
	defer det.Close()

	start := time.Now()
	hands, err := det.Detect(frame)
	if err != nil {
		return fmt.Errorf("detect hands: %w", err)
	}
	if len(hands) == 0 {
		fmt.Println("No hand detected")
		return nil
	}

	if detectLandmarks {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(hands[0]); err != nil {
			return err
		}
	}

	vec, err := feature.Builder{WristRelative: cfg.Classifier.WristRelative}.Build(&hands[0])
	if err != nil {
		return err
	}

	cls, err := classifier.Open(cfg.ClassifierConfig())
	if err != nil {
		return err
	}
	defer cls.Close()

	scores, err := cls.Classify(vec)
	if err != nil {
		return err
	}

	decoder, err := symbol.NewDecoder(cfg.Alphabet())
	if err != nil {
		return err
	}
	pred, err := decoder.Decode(scores)
	if err != nil {
		return err
	}

	fmt.Printf("Symbol:     %q\n", pred.Symbol)
	fmt.Printf("Confidence: %.2f\n", pred.Confidence)
	fmt.Printf("Latency:    %dms\n", time.Since(start).Milliseconds())
	return nil
}
