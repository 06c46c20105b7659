// Package hclconfig loads pipeline definitions written in HCL.
//
// A pipeline file may declare any number of `stage`, `template`, `agent`
// and `source` blocks:
//
//	source "app" {
//	  url      = "https://example.com/app.git"
//	  interval = "1m"
//	}
//
//	template "build" {
//	  matrix = { os = ["linux", "windows"] }
//	  id     = "build-${matrix.os}"
//
//	  requires = ["os=${matrix.os}"]
//	  step "compile" { command = "make" }
//	  artifact "bin/**" {}
//	  trigger "source" {
//	    source   = "app"
//	    branches = ["+:main"]
//	  }
//	}
//
//	stage "package" {
//	  step "tar" { command = "tar czf app.tgz bin" }
//	  depends_on "build-linux" { path = "bin/**" }
//	  trigger "upstream" { stage = "build-linux" }
//	}
//
// Blocks are translated into the format-agnostic config.Model.
package hclconfig
