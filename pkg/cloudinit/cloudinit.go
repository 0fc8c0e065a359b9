/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cloudinit renders the NoCloud seed that lets the probe log into a fresh clone.
package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

var (
	ErrReadKey   = errors.New("failed to read SSH public key")
	ErrWriteSeed = errors.New("failed to write cloud-init seed")
	ErrBuildISO  = errors.New("failed to build cloud-init ISO")
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser reads the public keys authorized for name. A path without a .pub suffix is
// taken as a private key whose public half sits next to it.
func NewUser(name string, keyPaths ...string) (User, error) {
	keys := make([]string, 0, len(keyPaths))
	for _, path := range keyPaths {
		if !strings.HasSuffix(path, ".pub") {
			path += ".pub"
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("%w: %w", ErrReadKey, err)
		}
		keys = append(keys, strings.TrimSpace(string(b)))
	}
	return NewUserWithAuthorizedKeys(name, keys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname    string      `json:"hostname"`
	Packages    []string    `json:"packages,omitempty"`
	Users       []User      `json:"users"`
	WriteFiles  []WriteFile `json:"write_files,omitempty"`
	RunCommands []string    `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %w", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData identifies the instance, so that cloud-init runs again on every clone.
func MetaData(name string) string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
}

// RunFunc runs a host tool and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// BuildISO writes the seed of VM name to <dir>/<name>-cidata.iso with xorriso and returns
// the path. ud.Hostname defaults to name.
func BuildISO(ctx context.Context, run RunFunc, dir, name string, ud UserData) (string, error) {
	if ud.Hostname == "" {
		ud.Hostname = name
	}
	userData, err := ud.Render()
	if err != nil {
		return "", err
	}

	seedDir, err := os.MkdirTemp(dir, name+"-cidata-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWriteSeed, err)
	}
	defer os.RemoveAll(seedDir)

	for file, content := range map[string]string{
		"user-data": userData,
		"meta-data": MetaData(name),
	} {
		if err := os.WriteFile(filepath.Join(seedDir, file), []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrWriteSeed, file, err)
		}
	}

	isoPath := ISOPath(dir, name)
	output, err := run(ctx, "xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		seedDir,
	)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), ErrBuildISO)
	}
	return isoPath, nil
}

func ISOPath(dir, name string) string {
	return filepath.Join(dir, name+"-cidata.iso")
}
