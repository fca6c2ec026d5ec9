package csvimport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwfetch/internal/domain"
)

func TestReadTimeRangesHeaders(t *testing.T) {
	cases := map[string]string{
		"gps header":     "GPSstart,GPSend\n1000,1010\n2000,2010\n",
		"start header":   "Start,End\n1000,1010\n2000,2010\n",
		"no header":      "1000,1010\n2000,2010\n",
		"swapped header": "GPSend,GPSstart\n1010,1000\n2010,2000\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			ranges, warnings, err := ReadTimeRanges(strings.NewReader(input))
			require.NoError(t, err)
			assert.Empty(t, warnings)
			assert.Equal(t, []domain.TimeRange{{Start: 1000, End: 1010}, {Start: 2000, End: 2010}}, ranges)
		})
	}
}

func TestReadTimeRangesDropsBadRows(t *testing.T) {
	input := "GPSstart,GPSend\n1000,1010\nabc,1020\n1030,1030\n1040\n\n2000,2010\n"
	ranges, warnings, err := ReadTimeRanges(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []domain.TimeRange{{Start: 1000, End: 1010}, {Start: 2000, End: 2010}}, ranges)
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "line 3")
	assert.Contains(t, warnings[1], "start >= end")
}

func TestReadTimeRangesEmpty(t *testing.T) {
	_, _, err := ReadTimeRanges(strings.NewReader(""))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestReadChannels(t *testing.T) {
	input := "Channel,Sample Rate\nH1:GDS-CALIB_STRAIN,16384\nL1:PEM-X,oops\n,256\nV1:Hrec_hoft_16384Hz\n"
	channels, warnings, err := ReadChannels(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []Channel{
		{Name: "H1:GDS-CALIB_STRAIN", SampleRate: 16384},
		{Name: "L1:PEM-X"},
		{Name: "V1:Hrec_hoft_16384Hz"},
	}, channels)
	assert.Len(t, warnings, 2)
	assert.Equal(t, []string{"H1:GDS-CALIB_STRAIN", "L1:PEM-X", "V1:Hrec_hoft_16384Hz"}, ChannelNames(channels))
}

func TestReadChannelsHeaderOnly(t *testing.T) {
	_, _, err := ReadChannels(strings.NewReader("Channel,Sample Rate\n"))
	assert.Error(t, err)
}
