package psn

import (
	"errors"
	"strings"
	"testing"

	"github.com/vertextoedge/psn-update-fetcher/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const ps3Manifest = `<?xml version="1.0" encoding="UTF-8"?>
<titlepatch titleid="BCUS98148" status="alive">
  <tag name="BCUS98148_T7" popup="true" signoff="true">
    <package version="01.01" size="1048608" sha1sum="aaaa" url="http://b0.ww.np.dl.playstation.net/tppkg/np/BCUS98148/a.pkg" ps3_system_ver="03.4100"/>
    <package version="01.02" size="not-a-number" sha1sum="bbbb" url="http://b0.ww.np.dl.playstation.net/tppkg/np/BCUS98148/b.pkg" ps3_system_ver="03.4100">
      <paramsfo>
        <TITLE>LittleBigPlanet&#x2122;</TITLE>
        <TITLE_01>Little
Big Planet</TITLE_01>
      </paramsfo>
    </package>
  </tag>
</titlepatch>`

const ps4Manifest = `<?xml version="1.0" encoding="utf-8"?>
<titlepatch titleid="CUSA00001">
  <tag name="CUSA00001_T1" mandatory="true">
    <package version="01.05" size="2048" digest="ffff" manifest_url="http://gs2.ww.prod.dl.playstation.net/gs2/ppkgo/prod/CUSA00001/manifest.json" content_id="UP9000-CUSA00001_00-PLAYROOM00000000" type="cumulative">
      <paramsfo><TITLE>THE PLAYROOM</TITLE></paramsfo>
    </package>
  </tag>
</titlepatch>`

func TestParseManifest_PS3(t *testing.T) {
	info, err := ParseManifest(strings.NewReader(ps3Manifest), zap.NewNop())
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	if info.TitleID != "BCUS98148" {
		t.Errorf("TitleID = %q", info.TitleID)
	}
	if info.TagName != "BCUS98148_T7" {
		t.Errorf("TagName = %q", info.TagName)
	}
	if len(info.Packages) != 2 {
		t.Fatalf("len(Packages) = %d, want 2", len(info.Packages))
	}

	first := info.Packages[0]
	if first.Version != "01.01" || first.Size != 1048608 || first.SHA1Sum != "aaaa" || !strings.HasSuffix(first.URL, "/a.pkg") {
		t.Errorf("first package = %+v", first)
	}
	if first.HashWholeFile || first.PartNumber != nil || first.ManifestURL != "" {
		t.Errorf("first package has PS4 fields set: %+v", first)
	}

	second := info.Packages[1]
	if second.Version != "01.02" || second.Size != 0 || second.SHA1Sum != "bbbb" {
		t.Errorf("second package = %+v", second)
	}

	wantTitles := []string{"LittleBigPlanet™", "Little\nBig Planet"}
	if len(info.Titles) != len(wantTitles) {
		t.Fatalf("Titles = %q, want %q", info.Titles, wantTitles)
	}
	for i := range wantTitles {
		if info.Titles[i] != wantTitles[i] {
			t.Errorf("Titles[%d] = %q, want %q", i, info.Titles[i], wantTitles[i])
		}
	}
}

func TestParseManifest_PS4ManifestURL(t *testing.T) {
	info, err := ParseManifest(strings.NewReader(ps4Manifest), zap.NewNop())
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if len(info.Packages) != 1 {
		t.Fatalf("len(Packages) = %d, want 1", len(info.Packages))
	}
	pkg := info.Packages[0]
	if pkg.ManifestURL != "http://gs2.ww.prod.dl.playstation.net/gs2/ppkgo/prod/CUSA00001/manifest.json" {
		t.Errorf("ManifestURL = %q", pkg.ManifestURL)
	}
	if pkg.Version != "01.05" || pkg.Size != 2048 {
		t.Errorf("package = %+v", pkg)
	}
	if info.Title() != "THE PLAYROOM" {
		t.Errorf("Title() = %q", info.Title())
	}
}

func TestParseManifest_SelfClosingAndOpenFormsMatch(t *testing.T) {
	selfClosing := `<titlepatch titleid="NPUA80523"><tag name="t"><package version="01.00" size="10" sha1sum="ab" url="http://h/x.pkg" manifest_url="http://h/m.json"/></tag></titlepatch>`
	open := `<titlepatch titleid="NPUA80523"><tag name="t"><package version="01.00" size="10" sha1sum="ab" url="http://h/x.pkg" manifest_url="http://h/m.json"></package></tag></titlepatch>`

	a, err := ParseManifest(strings.NewReader(selfClosing), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseManifest(strings.NewReader(open), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Packages) != 1 || len(b.Packages) != 1 {
		t.Fatalf("package counts = %d/%d", len(a.Packages), len(b.Packages))
	}
	if a.Packages[0] != b.Packages[0] {
		t.Errorf("self-closing %+v != open %+v", a.Packages[0], b.Packages[0])
	}
}

func TestParseManifest_AttributesWithoutVersion(t *testing.T) {
	// Each element yields its own record even if version comes last or is absent.
	doc := `<titlepatch titleid="NPUB30826"><tag name="t">` +
		`<package url="http://h/1.pkg" size="1" version="01.00"/>` +
		`<package url="http://h/2.pkg" size="2"/>` +
		`</tag></titlepatch>`

	info, err := ParseManifest(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Packages) != 2 {
		t.Fatalf("len(Packages) = %d, want 2", len(info.Packages))
	}
	if info.Packages[0].URL != "http://h/1.pkg" || info.Packages[0].Version != "01.00" {
		t.Errorf("Packages[0] = %+v", info.Packages[0])
	}
	if info.Packages[1].URL != "http://h/2.pkg" || info.Packages[1].Size != 2 {
		t.Errorf("Packages[1] = %+v", info.Packages[1])
	}
}

func TestParseManifest_ErrorCode(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

	_, err := ParseManifest(strings.NewReader(doc), nil)
	code, ok := domain.IsVendorErrorCode(err)
	if !ok {
		t.Fatalf("ParseManifest() error = %v, want vendor error code", err)
	}
	if code != "NoSuchKey" {
		t.Errorf("code = %q, want NoSuchKey", code)
	}
}

func TestParseManifest_OrphanCodeIsIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	doc := `<titlepatch titleid="NPUB30826"><Code>AccessDenied</Code><tag name="t"><package version="01.00" url="http://h/a.pkg"/></tag></titlepatch>`

	info, err := ParseManifest(strings.NewReader(doc), zap.New(core))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if len(info.Packages) != 1 {
		t.Errorf("len(Packages) = %d, want 1", len(info.Packages))
	}
	if logs.FilterMessageSnippet("without a preceding Error").Len() != 1 {
		t.Errorf("expected one orphan Code warning, got %v", logs.All())
	}
}

func TestParseManifest_UnbalancedDepthIsWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	doc := `<titlepatch titleid="NPUB30826"><tag name="t"><package version="01.00" url="http://h/a.pkg"/>`

	info, err := ParseManifest(strings.NewReader(doc), zap.New(core))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if info.TitleID != "NPUB30826" || len(info.Packages) != 1 {
		t.Errorf("info = %+v", info)
	}
	if logs.FilterMessageSnippet("non-zero depth").Len() != 1 {
		t.Errorf("expected a depth warning, got %v", logs.All())
	}
}

func TestParseManifest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown entity", doc: `<titlepatch titleid="A&bogus;"></titlepatch>`},
		{name: "broken tag", doc: `<titlepatch titleid="NPUB30826"><tag name=></tag></titlepatch>`},
		{name: "missing element name", doc: `<titlepatch><</titlepatch>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(tt.doc), nil)
			if !errors.Is(err, domain.ErrXMLParsing) {
				t.Errorf("ParseManifest() error = %v, want ErrXMLParsing", err)
			}
		})
	}
}
