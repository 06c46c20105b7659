// Package yamlconfig loads pipeline definitions written in YAML.
//
// A file holds one or more documents with top-level `stages`, `templates`,
// `agents` and `sources` lists. Template stages may reference matrix
// values as ${matrix.<axis>} in any scalar:
//
//	templates:
//	  - name: build
//	    matrix:
//	      os: [linux, windows]
//	    stage:
//	      id: build-${matrix.os}
//	      requires: [os=${matrix.os}]
//	      steps:
//	        - name: compile
//	          command: make
package yamlconfig
