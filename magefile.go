//go:build mage
// +build mage

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/target"
)

const (
	binary     = "bin/telecall"
	modulePath = "github.com/telecall/telecall"
)

type packageInfo struct {
	Dir        string
	ImportPath string
	GoFiles    []string
}

var Default = Build

// build the telecall CLI into bin/
func Build() error {
	mg.Deps(Vet)

	sources, err := sourceDirs()
	if err != nil {
		return err
	}
	updated, err := target.Dir(binary, sources...)
	if err != nil {
		return err
	}
	if !updated {
		fmt.Println("binary up to date")
		return nil
	}

	fmt.Println("building...")
	cmd := exec.Command("go", "build", "-o", binary, "./cmd/telecall")
	connectStd(cmd)
	return cmd.Run()
}

func Vet() error {
	cmd := exec.Command("go", "vet", "./...")
	connectStd(cmd)
	return cmd.Run()
}

// run unit tests
func Test() error {
	cmd := exec.Command("go", "test", "-race", "-count=1", "./...")
	connectStd(cmd)
	return cmd.Run()
}

func Clean() error {
	return os.RemoveAll("bin")
}

// sourceDirs lists the package directories the binary is built from
func sourceDirs() ([]string, error) {
	cmd := exec.Command("go", "list", "-json", "-deps", "./cmd/telecall")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var dirs []string
	dec := json.NewDecoder(bytes.NewReader(out))
	for dec.More() {
		info := packageInfo{}
		if err := dec.Decode(&info); err != nil {
			return nil, err
		}
		if strings.HasPrefix(info.ImportPath, modulePath) {
			dirs = append(dirs, info.Dir)
		}
	}
	return dirs, nil
}

func connectStd(cmd *exec.Cmd) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
}
