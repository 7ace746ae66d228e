package api

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const xmltvTimeLayout = "20060102150405 -0700"

type xmltvDoc struct {
	XMLName    xml.Name         `xml:"tv"`
	Generator  string           `xml:"generator-info-name,attr"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string     `xml:"id,attr"`
	DisplayName string     `xml:"display-name"`
	Icon        *xmltvIcon `xml:"icon,omitempty"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

type xmltvProgramme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc,omitempty"`
}

// xmltv renders the guide document: every configured channel and every
// program that has not yet ended.
func (s *Server) xmltv(c *gin.Context) {
	now := time.Now().UnixMilli()
	programs, err := s.repo.SelectActive(c.Request.Context(), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	doc := xmltvDoc{Generator: "airwave"}

	for _, ch := range s.registry.All() {
		xc := xmltvChannel{ID: ch.Number, DisplayName: ch.Name}
		if ch.IconURL != "" {
			xc.Icon = &xmltvIcon{Src: ch.IconURL}
		}
		doc.Channels = append(doc.Channels, xc)
	}

	for _, p := range programs {
		doc.Programmes = append(doc.Programmes, xmltvProgramme{
			Start:   time.UnixMilli(p.StartTime).UTC().Format(xmltvTimeLayout),
			Stop:    time.UnixMilli(p.EndTime).UTC().Format(xmltvTimeLayout),
			Channel: p.ChannelServiceID,
			Title:   p.Title,
			Desc:    p.Description,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/xml", append([]byte(xml.Header), out...))
}
