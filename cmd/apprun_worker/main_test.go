package main

import (
	"testing"

	"github.com/m-lab/apprun/config"
)

func TestPortAddr(t *testing.T) {
	cases := map[int]string{0: ":8080", -1: ":8080", 9090: ":9090", 8080: ":8080"}
	for in, want := range cases {
		if got := portAddr(in); got != want {
			t.Errorf("portAddr(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFixedAppVersionDefaultsRoot(t *testing.T) {
	v := fixedAppVersion(config.CLI{})
	if v.RootDirectory != "." {
		t.Fatalf("RootDirectory = %q, want \".\"", v.RootDirectory)
	}
	if v.AppID == "" || v.VersionID == "" {
		t.Fatal("expected non-empty AppID/VersionID")
	}
}

func TestFixedAppVersionUsesConfiguredPath(t *testing.T) {
	v := fixedAppVersion(config.CLI{FixedApplicationPath: "/opt/app"})
	if v.RootDirectory != "/opt/app" {
		t.Fatalf("RootDirectory = %q, want /opt/app", v.RootDirectory)
	}
}
