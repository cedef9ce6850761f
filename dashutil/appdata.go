// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AppDataDir returns an operating system specific directory to be used for
// storing application data for an application.
//
//   - Windows: %LOCALAPPDATA%\<appName>
//   - macOS:   $HOME/Library/Application Support/<appName>
//   - Plan 9:  $home/<appName>
//   - Unix:    $HOME/.<appName>
//
// roaming is only honored on Windows, where it selects %APPDATA% over
// %LOCALAPPDATA%.
func AppDataDir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(appName[0]-32) + appName[1:]
	appNameLower := appName
	if appName[0] < 'a' || appName[0] > 'z' {
		appNameUpper = appName
		appNameLower = appName
	}

	switch runtime.GOOS {
	case "windows":
		envKey := "LOCALAPPDATA"
		if roaming {
			envKey = "APPDATA"
		}
		if appData := os.Getenv(envKey); appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir := os.Getenv("HOME"); homeDir != "" {
			return filepath.Join(
				homeDir, "Library", "Application Support",
				appNameUpper,
			)
		}

	case "plan9":
		if homeDir := os.Getenv("home"); homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir := os.Getenv("HOME"); homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	// Fall back to the current directory if the relevant environment
	// variable wasn't set.
	return "."
}
