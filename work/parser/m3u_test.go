package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channelList = `#EXTM3U url-tvg="http://epg.test/guide.xml"
#EXTINF:-1 tvg-id="news.uk" tvg-name="News" tvg-logo="http://logo.test/news.png" group-title="UK;News" catchup-days="7",News, Weather & Sport
#EXTGRP:Favourites
http://up.test/live/news.m3u8

#EXTINF:-1 tvg-name="Movies",Movies
http://up.test/live/movies.ts
http://up.test/orphan.ts
#EXTINF:-1 tvg-name="No Url",No Url
`

func TestParse(t *testing.T) {
	pl, err := Parse(channelList)
	require.NoError(t, err)

	assert.Equal(t, "http://epg.test/guide.xml", pl.Attributes["url-tvg"])
	require.Len(t, pl.Entries, 2)

	news := pl.Entries[0]
	assert.Equal(t, "News, Weather & Sport", news.Name)
	assert.Equal(t, "http://up.test/live/news.m3u8", news.URL)
	assert.Equal(t, "-1", news.Duration)
	assert.Equal(t, []string{"UK", "News", "Favourites"}, news.Groups)
	assert.Equal(t, "news.uk", news.Attributes["tvg-id"])
	assert.Equal(t, "http://logo.test/news.png", news.Attributes["tvg-logo"])
	assert.Equal(t, "7", news.Attributes["catchup-days"])

	movies := pl.Entries[1]
	assert.Equal(t, "Movies", movies.Name)
	assert.Empty(t, movies.Groups)
}

func TestParse_RejectsNonM3U(t *testing.T) {
	_, err := Parse("<html>login required</html>")
	assert.ErrorIs(t, err, ErrNotM3U)

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrNotM3U)
}

func TestParseEXTINF_QuotedComma(t *testing.T) {
	e := ParseEXTINF(`#EXTINF:-1 tvg-name="A, B" group-title="X",Display`)
	assert.Equal(t, "Display", e.Name)
	assert.Equal(t, "A, B", e.Attributes["tvg-name"])
	assert.Equal(t, []string{"X"}, e.Groups)
}
