// Package jobinfo 從步驟輸出擷取作業系統與已載入模組的資訊。
//
// 辨識的區塊：
//   - lsb_release -a：Distributor ID / Release / Codename
//   - sw_vers：ProductName / ProductVersion / BuildVersion
//   - Lmod 的 "Currently Loaded Modules:" 與 Tcl modules 的 "Currently Loaded Modulefiles:"
package jobinfo

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Info 解析結果
type Info struct {
	OS      types.OSInfo
	Modules []string // 依載入順序
}

type osPattern struct {
	name, version, other *regexp.Regexp
}

var osPatterns = []osPattern{
	{
		name:    regexp.MustCompile(`(?m)^Distributor ID:[ \t]*(.+?)[ \t]*$`),
		version: regexp.MustCompile(`(?m)^Release:[ \t]*(.+?)[ \t]*$`),
		other:   regexp.MustCompile(`(?m)^Codename:[ \t]*(.+?)[ \t]*$`),
	},
	{
		name:    regexp.MustCompile(`(?m)^ProductName:[ \t]*(.+?)[ \t]*$`),
		version: regexp.MustCompile(`(?m)^ProductVersion:[ \t]*(.+?)[ \t]*$`),
		other:   regexp.MustCompile(`(?m)^BuildVersion:[ \t]*(.+?)[ \t]*$`),
	},
}

var (
	moduleHeader = regexp.MustCompile(`(?m)^[ \t]*Currently Loaded Module(?:s|files):[ \t]*$`)
	moduleEntry  = regexp.MustCompile(`(\d+)\)\s+(\S+)`)
)

// ParseOutput 依序掃描各步驟輸出，第一個找到的 OS 區塊與模組區塊生效
func ParseOutput(outputs ...string) Info {
	info := Info{OS: types.OSInfo{Name: types.OtherOS}, Modules: []string{}}

	foundOS, foundModules := false, false
	for _, raw := range outputs {
		out := strings.ReplaceAll(raw, "\r\n", "\n")
		if !foundOS {
			if osInfo, ok := parseOS(out); ok {
				info.OS = osInfo
				foundOS = true
			}
		}
		if !foundModules {
			if mods, ok := parseModules(out); ok {
				info.Modules = mods
				foundModules = true
			}
		}
		if foundOS && foundModules {
			break
		}
	}
	return info
}

func parseOS(out string) (types.OSInfo, bool) {
	for _, p := range osPatterns {
		m := p.name.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		return types.OSInfo{
			Name:    m[1],
			Version: firstGroup(p.version, out),
			Other:   firstGroup(p.other, out),
		}, true
	}
	return types.OSInfo{}, false
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// parseModules 讀取標題之後的縮排行，直到項目後的空白行或非縮排行為止
func parseModules(out string) ([]string, bool) {
	loc := moduleHeader.FindStringIndex(out)
	if loc == nil {
		return nil, false
	}

	type entry struct {
		n    int
		name string
	}
	var entries []entry

	for _, line := range strings.Split(out[loc[1]:], "\n") {
		if strings.TrimSpace(line) == "" {
			if len(entries) == 0 {
				continue
			}
			break
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			break
		}
		for _, m := range moduleEntry.FindAllStringSubmatch(line, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			entries = append(entries, entry{n: n, name: m[2]})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	mods := make([]string, 0, len(entries))
	for _, e := range entries {
		mods = append(mods, e.name)
	}
	return mods, true
}
