package domain

import (
	"net/url"
	"testing"
)

func TestPackageInfo_ID(t *testing.T) {
	whole := PackageInfo{Version: "01.05"}
	if got := whole.ID(); got != "01.05" {
		t.Errorf("ID() = %q, want %q", got, "01.05")
	}

	part := PackageInfo{Version: "01.05", PartNumber: PartNumberOf(3)}
	if got := part.ID(); got != "01.05 - Part 3" {
		t.Errorf("ID() = %q, want %q", got, "01.05 - Part 3")
	}
}

func TestPackageInfo_FileName(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		want   string
		wantOK bool
	}{
		{name: "plain", url: "http://b0.ww.np.dl.playstation.net/tppkg/np/NPUB30826/NPUB30826_T3/x/EP0001-NPUB30826_00-A0101-V0101-PE.pkg", want: "EP0001-NPUB30826_00-A0101-V0101-PE.pkg", wantOK: true},
		{name: "with query", url: "https://host/a/UP0001_0.pkg?sig=1", want: "UP0001_0.pkg", wantOK: true},
		{name: "trailing slash", url: "https://host/a/", wantOK: false},
		{name: "no path", url: "https://host", wantOK: false},
		{name: "unparsable", url: "://bad", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := PackageInfo{URL: tt.url}
			got, ok := pkg.FileName()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("FileName() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFileNameFromURL_Nil(t *testing.T) {
	if _, ok := FileNameFromURL(nil); ok {
		t.Error("FileNameFromURL(nil) returned ok")
	}
	u, _ := url.Parse("https://host/x/y.pkg")
	if name, ok := FileNameFromURL(u); !ok || name != "y.pkg" {
		t.Errorf("FileNameFromURL() = %q, %v", name, ok)
	}
}

func TestUpdateInfo_Helpers(t *testing.T) {
	info := &UpdateInfo{}
	if info.Title() != "" {
		t.Errorf("Title() on empty = %q", info.Title())
	}
	if info.Mergeable() {
		t.Error("Mergeable() on empty update = true")
	}

	info.Titles = []string{"LittleBigPlanet", "LBP"}
	info.Packages = []PackageInfo{
		{Size: 10, PartNumber: PartNumberOf(1)},
		{Size: 20, PartNumber: PartNumberOf(2)},
	}
	if info.Title() != "LittleBigPlanet" {
		t.Errorf("Title() = %q", info.Title())
	}
	if !info.Mergeable() {
		t.Error("Mergeable() = false, want true")
	}
	if info.TotalSize() != 30 {
		t.Errorf("TotalSize() = %d, want 30", info.TotalSize())
	}

	info.Packages = append(info.Packages, PackageInfo{Size: 5})
	if info.Mergeable() {
		t.Error("Mergeable() = true with an unnumbered package")
	}
}
