package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"

	"github.com/gogpu/readback/backend"
)

// formatNames maps the WebGPU format names to readable formats.
var formatNames = map[gputypes.TextureFormat]string{
	gputypes.TextureFormatRGBA32Float:    "rgba32float",
	gputypes.TextureFormatRGBA32Uint:     "rgba32uint",
	gputypes.TextureFormatRGBA32Sint:     "rgba32sint",
	gputypes.TextureFormatRG32Float:      "rg32float",
	gputypes.TextureFormatRG32Uint:       "rg32uint",
	gputypes.TextureFormatRG32Sint:       "rg32sint",
	gputypes.TextureFormatRGBA16Float:    "rgba16float",
	gputypes.TextureFormatR32Float:       "r32float",
	gputypes.TextureFormatR32Uint:        "r32uint",
	gputypes.TextureFormatR32Sint:        "r32sint",
	gputypes.TextureFormatRGBA8Unorm:     "rgba8unorm",
	gputypes.TextureFormatRGBA8UnormSrgb: "rgba8unorm-srgb",
	gputypes.TextureFormatRGBA8Snorm:     "rgba8snorm",
	gputypes.TextureFormatRGBA8Uint:      "rgba8uint",
	gputypes.TextureFormatRGBA8Sint:      "rgba8sint",
	gputypes.TextureFormatBGRA8Unorm:     "bgra8unorm",
	gputypes.TextureFormatBGRA8UnormSrgb: "bgra8unorm-srgb",
	gputypes.TextureFormatR8Unorm:        "r8unorm",
}

func formatName(f gputypes.TextureFormat) string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", f)
}

func formatByName(name string) (gputypes.TextureFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown texture format %q", name)
}

func newFormatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List texture formats that can be read back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FORMAT\tBYTES/TEXEL\tROW PITCH (256 TEXELS)")
			for _, f := range backend.SupportedFormats() {
				bpp := backend.BytesPerPixel(f)
				fmt.Fprintf(w, "%s\t%d\t%d\n", formatName(f), bpp, backend.AlignedRowBytes(256*bpp))
			}
			return w.Flush()
		},
	}
}
