package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/pose"
)

var (
	tensorFlag    string
	channelsFlag  []string
	mirroredFlag  bool
	cropFlag      []float64
	minConfidence float64
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode a msgpack heatmap tensor into joints",
	Long: `decode reads one heatmap tensor as written by the inference engine (a msgpack
map with "shape" and "data") and prints the joint found on every channel.`,
	Example: `  posed decode --tensor frame-0042.msgpack
  posed decode --tensor out.msgpack --crop 0.2,0.1,0.5,0.8 --mirrored`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(tensorFlag)
		if err != nil {
			return err
		}
		frame, err := decodeTensor(data, channelsFlag, mirroredFlag, cropFlag)
		if err != nil {
			return err
		}
		return printJoints(cmd.OutOrStdout(), frame, minConfidence)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&tensorFlag, "tensor", "t", "", "Path to the msgpack tensor")
	decodeCmd.Flags().StringSliceVar(&channelsFlag, "channels", nil, "Joint name per channel (default: the 16 joints in order)")
	decodeCmd.Flags().BoolVar(&mirroredFlag, "mirrored", false, "Mirror x into viewport space")
	decodeCmd.Flags().Float64SliceVar(&cropFlag, "crop", nil, "Crop the tensor was inferred on: x,y,width,height (normalized)")
	decodeCmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Hide joints at or below this confidence")
	decodeCmd.MarkFlagRequired("tensor")
}

func decodeTensor(data []byte, channels []string, mirrored bool, crop []float64) (pose.Frame, error) {
	t, err := heatmap.DecodeMsgpack(data)
	if err != nil {
		return pose.Frame{}, err
	}
	if _, _, _, ok := t.Dims(); !ok {
		return pose.Frame{}, fmt.Errorf("%w: shape %v", heatmap.ErrMalformedTensor, t.Shape)
	}

	cm := heatmap.DefaultChannelMap()
	if len(channels) > 0 {
		if cm, err = heatmap.ParseChannelMap(channels); err != nil {
			return pose.Frame{}, err
		}
	}

	var rect r2.Rect
	switch len(crop) {
	case 0:
	case 4:
		rect = r2.Rect{
			X: r1.Interval{Lo: crop[0], Hi: crop[0] + crop[2]},
			Y: r1.Interval{Lo: crop[1], Hi: crop[1] + crop[3]},
		}
	default:
		return pose.Frame{}, fmt.Errorf("--crop takes 4 values, got %d", len(crop))
	}

	transform := heatmap.Identity()
	if mirrored {
		transform = heatmap.MirrorX()
	}
	return heatmap.NewDecoder(cm).Decode(t, transform, rect, time.Now()), nil
}

func printJoints(out io.Writer, frame pose.Frame, minConfidence float64) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOINT\tCONFIDENCE\tX\tY\tIMAGE X\tIMAGE Y")
	for _, jt := range frame.Types() {
		j, _ := frame.First(jt)
		if j.Confidence <= minConfidence {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%.4f\t%.4f\t%.4f\t%.4f\n", jt, j.Confidence,
			j.Position.X, j.Position.Y, j.ImagePosition.X, j.ImagePosition.Y)
	}
	return tw.Flush()
}
