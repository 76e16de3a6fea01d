package psn

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"go.uber.org/zap"
)

// ParseManifest reads a titlepatch manifest in a single pass over the raw
// token stream. A vendor <Error><Code> document is returned as a
// *domain.VendorErrorCode. PlatformVariant is left for the caller to set.
func ParseManifest(r io.Reader, logger *zap.Logger) (*domain.UpdateInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dec := xml.NewDecoder(r)
	info := &domain.UpdateInfo{}

	var (
		depth           int
		titleElement    bool
		errEncountered  bool
		codeEncountered bool
	)

	for {
		// RawToken does not require balanced elements, so a truncated
		// document still yields what was parsed so far.
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrXMLParsing, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++

			switch t.Name.Local {
			case "titlepatch":
				if v, ok := attrValue(t, "titleid"); ok {
					info.TitleID = v
				}
			case "tag":
				if v, ok := attrValue(t, "name"); ok {
					info.TagName = v
				}
			case "package":
				info.Packages = append(info.Packages, packageFromElement(t))
			case "Error":
				errEncountered = true
			case "Code":
				if !errEncountered {
					logger.Warn("Code tag encountered without a preceding Error tag, skipping it")
					continue
				}
				codeEncountered = true
			default:
				if strings.HasPrefix(t.Name.Local, "TITLE") {
					titleElement = true
				}
			}

		case xml.EndElement:
			depth--

		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			if titleElement {
				titleElement = false
				info.Titles = append(info.Titles, text)
			} else if codeEncountered {
				return nil, &domain.VendorErrorCode{Code: text}
			}
		}
	}

	if errEncountered {
		logger.Warn("Error tag encountered without a following Code tag")
	}
	if depth != 0 {
		logger.Warn("finished parsing xml with non-zero depth", zap.Int("depth", depth))
	}

	return info, nil
}

// packageFromElement builds one package record from the attributes of a
// single <package> element. Self-closing and open forms are identical here.
func packageFromElement(e xml.StartElement) domain.PackageInfo {
	var pkg domain.PackageInfo

	for _, attr := range e.Attr {
		switch attr.Name.Local {
		case "version":
			pkg.Version = attr.Value
		case "size":
			// A bad size is not fatal, it just fails verification later.
			size, _ := strconv.ParseUint(attr.Value, 10, 64)
			pkg.Size = size
		case "sha1sum":
			pkg.SHA1Sum = attr.Value
		case "url":
			pkg.URL = attr.Value
		case "manifest_url":
			pkg.ManifestURL = attr.Value
		}
	}

	return pkg
}

func attrValue(e xml.StartElement, name string) (string, bool) {
	for _, attr := range e.Attr {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}
