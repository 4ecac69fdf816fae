//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build !windows

package accounts

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/run"
)

const (
	// getentNoSuchKey is the exit code returned by getent when a key is not
	// found in the database.
	//
	// Per documentation, exit code 2: "One or more supplied key could not be
	// found in the database", see the man page:
	//
	// https://man7.org/linux/man-pages/man1/getent.1.html.
	getentNoSuchKey = 2

	// unsetAging is the value chage takes to clear an aging field.
	unsetAging = "-1"
)

// Commands is the account database backend driving the shadow-utils commands
// configured in the [Accounts] section.
type Commands struct {
	config *cfg.Accounts
}

// NewCommands returns a commands backend using config's command templates.
func NewCommands(config *cfg.Accounts) *Commands {
	return &Commands{config: config}
}

// getent queries a database, a nil key enumerates the whole database. Returns
// nil lines if the key doesn't exist.
func getent(ctx context.Context, database string, key ...string) ([]string, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "getent",
		Args:       append([]string{database}, key...),
	})

	if err != nil {
		// No such key exit code is returned when the key does not exist.
		if err, ok := run.AsExitError(err); ok && err.ExitCode() == getentNoSuchKey {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query %s database: %w", database, err)
	}

	var lines []string
	for _, line := range strings.Split(res.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// FindUser gets the information of the user, returning user.UnkownUserError if
// the user does not exist on the system or the wrapped run error if the user
// list could not be obtained.
func FindUser(ctx context.Context, username string) (*User, error) {
	lines, err := getent(ctx, "passwd", username)
	if err != nil {
		return nil, fmt.Errorf("could not get user list: %w", err)
	}
	if len(lines) == 0 {
		return nil, user.UnknownUserError(username)
	}

	// The result of getent will contain a single entry (given we are querying a
	// single user).
	passwdEntry, err := parsePasswdEntry(lines[0], username)
	if err != nil {
		return nil, fmt.Errorf("could not parse user %s: %w", username, err)
	}

	return passwdEntry, nil
}

// parsePasswdEntry parses /etc/passwd style input for the named user.
func parsePasswdEntry(line string, username string) (*User, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\n"))
	prefix := username + ":"

	// Validate the correctness of the entry format, it should contain the
	// username followed by a colon as a prefix (i.e. "kevin:").
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("invalid passwd entry for %q, expected prefix %q", username, prefix)
	}

	// kevin:x:1005:1006::/home/kevin:/usr/bin/zsh
	res, err := UserFromPasswd(strings.Split(line, ":"))
	if err != nil {
		return nil, fmt.Errorf("invalid passwd entry for %s: %w", username, err)
	}
	return &res, nil
}

// FindGroup gets the information of the group, returning
// user.UnknownGroupError if the group does not exist on the system. Returns
// the wrapped run error if the command failed.
func FindGroup(ctx context.Context, groupName string) (*Group, error) {
	lines, err := getent(ctx, "group", groupName)
	if err != nil {
		return nil, fmt.Errorf("could not get group: %w", err)
	}
	if len(lines) == 0 {
		return nil, user.UnknownGroupError(groupName)
	}

	// The result of getent will contain a single entry (given we are querying a
	// single group).
	groupEntry, err := parseGroupEntry(lines[0], groupName)
	if err != nil {
		return nil, fmt.Errorf("could not parse group %s: %w", groupName, err)
	}

	return groupEntry, nil
}

// parseGroupEntry parses /etc/group style input for the named group.
func parseGroupEntry(line string, groupName string) (*Group, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\n"))
	prefix := groupName + ":"

	// Validate the correctness of the entry format, it should contain the group
	// name followed by a colon as a prefix (i.e. "staff:").
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("invalid group entry for %q, expected prefix %q", groupName, prefix)
	}

	// staff:!:1:shadow,cjf
	res, err := GroupFromGroup(strings.Split(line, ":"))
	if err != nil {
		return nil, fmt.Errorf("invalid group entry for %s: %w", groupName, err)
	}
	return &res, nil
}

// LookupUser returns the live state of the user, including its shadow entry.
// Returns user.UnknownUserError if the user doesn't exist.
func (c *Commands) LookupUser(ctx context.Context, name string) (*User, error) {
	u, err := FindUser(ctx, name)
	if err != nil {
		return nil, err
	}

	lines, err := getent(ctx, "shadow", name)
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		if err := u.ApplyShadow(strings.Split(lines[0], ":")); err != nil {
			return nil, fmt.Errorf("invalid shadow entry for %s: %w", name, err)
		}
	}
	return u, nil
}

// LookupGroup returns the live state of the group, including its gshadow
// entry. Returns user.UnknownGroupError if the group doesn't exist.
func (c *Commands) LookupGroup(ctx context.Context, name string) (*Group, error) {
	g, err := FindGroup(ctx, name)
	if err != nil {
		return nil, err
	}

	lines, err := getent(ctx, "gshadow", name)
	if err != nil {
		galog.V(2).Debugf("Could not read gshadow entry of %s: %v", name, err)
		return g, nil
	}
	if len(lines) > 0 {
		if err := g.ApplyGShadow(strings.Split(lines[0], ":")); err != nil {
			return nil, fmt.Errorf("invalid gshadow entry for %s: %w", name, err)
		}
	}
	return g, nil
}

// Read enumerates the account databases through NSS. Entries that can't be
// parsed are skipped with a warning referring to their position only.
func (c *Commands) Read(ctx context.Context) (*Snapshot, error) {
	passwd, err := getent(ctx, "passwd")
	if err != nil {
		return nil, err
	}
	groups, err := getent(ctx, "group")
	if err != nil {
		return nil, err
	}
	shadow, err := getent(ctx, "shadow")
	if err != nil {
		return nil, err
	}
	gshadow, err := getent(ctx, "gshadow")
	if err != nil {
		galog.V(2).Debugf("Could not enumerate gshadow database: %v", err)
	}

	users := make(map[string]*User)
	var order []string
	for i, line := range passwd {
		u, err := UserFromPasswd(strings.Split(line, ":"))
		if err != nil {
			galog.Warnf("Skipping passwd entry %d: %v", i+1, err)
			continue
		}
		users[u.Name] = &u
		order = append(order, u.Name)
	}
	for i, line := range shadow {
		fields := strings.Split(line, ":")
		u, ok := users[fields[0]]
		if !ok {
			continue
		}
		if err := u.ApplyShadow(fields); err != nil {
			galog.Warnf("Skipping shadow entry %d: malformed", i+1)
		}
	}

	grps := make(map[string]*Group)
	var gorder []string
	for i, line := range groups {
		g, err := GroupFromGroup(strings.Split(line, ":"))
		if err != nil {
			galog.Warnf("Skipping group entry %d: %v", i+1, err)
			continue
		}
		grps[g.Name] = &g
		gorder = append(gorder, g.Name)
	}
	for i, line := range gshadow {
		fields := strings.Split(line, ":")
		g, ok := grps[fields[0]]
		if !ok {
			continue
		}
		if err := g.ApplyGShadow(fields); err != nil {
			galog.Warnf("Skipping gshadow entry %d: malformed", i+1)
		}
	}

	var resUsers []User
	for _, name := range order {
		resUsers = append(resUsers, *users[name])
	}
	var resGroups []Group
	for _, name := range gorder {
		resGroups = append(resGroups, *grps[name])
	}
	return NewSnapshot(resUsers, resGroups), nil
}

// existingUsers filters names down to the users present on the system.
func existingUsers(ctx context.Context, names []string) ([]string, error) {
	var res []string
	for _, name := range names {
		_, err := FindUser(ctx, name)
		if err == nil {
			res = append(res, name)
			continue
		}
		if !IsNotExist(err) {
			return nil, err
		}
		galog.V(2).Debugf("Skipping %s, user does not exist yet", name)
	}
	return res, nil
}

// CreateGroup creates the group and sets its members and administrators.
// Members that don't exist yet are added when they are created. Returns the
// wrapped run error if a command failed.
func (c *Commands) CreateGroup(ctx context.Context, g Group) error {
	galog.V(1).Debugf("Creating group %s", g.Name)
	if _, err := runCommandTemplate(ctx, c.config.GroupAddCmd, groupVars(g)); err != nil {
		return fmt.Errorf("failed to run groupadd_cmd: %w", err)
	}
	if err := c.setGroupLists(ctx, g, len(g.Members) > 0, len(g.Admins) > 0); err != nil {
		return err
	}
	galog.V(1).Debugf("Successfully created group %s", g.Name)
	return nil
}

// ModifyGroup runs the commands needed to turn current into target.
func (c *Commands) ModifyGroup(ctx context.Context, current, target Group) error {
	galog.V(1).Debugf("Modifying group %s", target.Name)
	if current.GID != target.GID {
		if _, err := runCommandTemplate(ctx, c.config.GroupModCmd, groupVars(target)); err != nil {
			return fmt.Errorf("failed to run groupmod_cmd: %w", err)
		}
	}
	membersChanged := !slices.Equal(current.Members, target.Members)
	adminsChanged := !slices.Equal(current.Admins, target.Admins)
	if err := c.setGroupLists(ctx, target, membersChanged, adminsChanged); err != nil {
		return err
	}
	galog.V(1).Debugf("Successfully modified group %s", target.Name)
	return nil
}

// setGroupLists replaces the group members and administrators lists.
func (c *Commands) setGroupLists(ctx context.Context, g Group, members, admins bool) error {
	var err error
	if members {
		if g.Members, err = existingUsers(ctx, g.Members); err != nil {
			return err
		}
	}
	if admins {
		if g.Admins, err = existingUsers(ctx, g.Admins); err != nil {
			return err
		}
	}

	vars := groupVars(g)
	if members {
		if _, err := runCommandTemplate(ctx, c.config.GPasswdMembersCmd, vars); err != nil {
			return fmt.Errorf("failed to run gpasswd_members_cmd: %w", err)
		}
	}
	if admins {
		if _, err := runCommandTemplate(ctx, c.config.GPasswdAdminsCmd, vars); err != nil {
			return fmt.Errorf("failed to run gpasswd_admins_cmd: %w", err)
		}
	}
	return nil
}

// DeleteGroup removes the group from the OS. Returns the wrapped run error if
// the command failed.
func (c *Commands) DeleteGroup(ctx context.Context, name string) error {
	galog.V(1).Debugf("Deleting group %s", name)
	if _, err := runCommandTemplate(ctx, c.config.GroupDelCmd, map[string]string{"group": name}); err != nil {
		return fmt.Errorf("failed to run groupdel_cmd: %w", err)
	}
	galog.V(1).Debugf("Successfully deleted group %s", name)
	return nil
}

// CreateUser creates the user, adds it to its secondary groups, sets its
// password and finally its password aging policy. Returns the wrapped run
// error if a command failed.
func (c *Commands) CreateUser(ctx context.Context, u User) error {
	galog.V(1).Debugf("Creating user %s", u.Name)
	if _, err := runCommandTemplate(ctx, c.config.UserAddCmd, userVars(u)); err != nil {
		return fmt.Errorf("failed to run useradd_cmd: %w", err)
	}

	for _, g := range u.Groups {
		if err := c.addUserToGroup(ctx, u.Name, g); err != nil {
			return err
		}
	}

	if u.Password != nil {
		if err := c.setPassword(ctx, u); err != nil {
			return err
		}
	}

	if err := c.setAging(ctx, u); err != nil {
		return err
	}
	galog.V(1).Debugf("Successfully created user %s", u.Name)
	return nil
}

// ModifyUser runs the commands needed to turn current into target, the aging
// policy is written last. Secondary groups missing from current are joined,
// leaving a group is carried by the group's own member list.
func (c *Commands) ModifyUser(ctx context.Context, current, target User) error {
	galog.V(1).Debugf("Modifying user %s", target.Name)
	if current.UID != target.UID || current.GID != target.GID || current.Comment != target.Comment ||
		current.HomeDir != target.HomeDir || current.Shell != target.Shell {
		if _, err := runCommandTemplate(ctx, c.config.UserModCmd, userVars(target)); err != nil {
			return fmt.Errorf("failed to run usermod_cmd: %w", err)
		}
	}

	for _, g := range target.Groups {
		if slices.Contains(current.Groups, g) {
			continue
		}
		if err := c.addUserToGroup(ctx, target.Name, g); err != nil {
			return err
		}
	}

	if target.Password != nil && (current.Password == nil || *current.Password != *target.Password) {
		if err := c.setPassword(ctx, target); err != nil {
			return err
		}
	}

	if !maps.Equal(agingVars(current.Aging), agingVars(target.Aging)) {
		if err := c.setAging(ctx, target); err != nil {
			return err
		}
	}
	galog.V(1).Debugf("Successfully modified user %s", target.Name)
	return nil
}

// DeleteUser removes the user from the OS. Returns the wrapped run error if the
// command failed.
func (c *Commands) DeleteUser(ctx context.Context, name string) error {
	galog.V(1).Debugf("Deleting user %s", name)
	if _, err := runCommandTemplate(ctx, c.config.UserDelCmd, map[string]string{"user": name}); err != nil {
		return fmt.Errorf("failed to run userdel_cmd: %w", err)
	}
	galog.V(1).Debugf("Successfully deleted user %s", name)
	return nil
}

// addUserToGroup adds the user to the named group. Returns the wrapped run
// error if the command failed.
func (c *Commands) addUserToGroup(ctx context.Context, username, group string) error {
	galog.V(1).Debugf("Adding user %s to group %s", username, group)
	vars := map[string]string{"user": username, "group": group}
	if _, err := runCommandTemplate(ctx, c.config.GPasswdAddCmd, vars); err != nil {
		return fmt.Errorf("failed to run gpasswd_add_cmd: %w", err)
	}
	return nil
}

func (c *Commands) setPassword(ctx context.Context, u User) error {
	vars := map[string]string{"user": u.Name, "password": *u.Password}
	if _, err := runSensitiveCommandTemplate(ctx, c.config.ChpasswdCmd, vars); err != nil {
		return fmt.Errorf("failed to run chpasswd_cmd for %s: %w", u.Name, err)
	}
	return nil
}

func (c *Commands) setAging(ctx context.Context, u User) error {
	vars := userVars(u)
	maps.Copy(vars, agingVars(u.Aging))
	if _, err := runCommandTemplate(ctx, c.config.ChageCmd, vars); err != nil {
		return fmt.Errorf("failed to run chage_cmd: %w", err)
	}
	return nil
}

func groupVars(g Group) map[string]string {
	return map[string]string{
		"group":   g.Name,
		"gid":     strconv.Itoa(g.GID),
		"members": strings.Join(g.Members, ","),
		"admins":  strings.Join(g.Admins, ","),
	}
}

func userVars(u User) map[string]string {
	return map[string]string{
		"user":    u.Name,
		"uid":     strconv.Itoa(u.UID),
		"gid":     strconv.Itoa(u.GID),
		"comment": u.Comment,
		"home":    u.HomeDir,
		"shell":   u.Shell,
	}
}

func agingVars(a Aging) map[string]string {
	format := func(v string) string {
		if v == "" {
			return unsetAging
		}
		return v
	}
	day := func(d *Day) string {
		if d == nil {
			return unsetAging
		}
		return d.String()
	}
	return map[string]string{
		"last_change": day(a.LastChange),
		"expire":      day(a.Expire),
		"inactive":    format(FormatOptional(a.Inactive)),
		"min_days":    format(FormatOptional(a.MinDays)),
		"max_days":    format(FormatOptional(a.MaxDays)),
		"warn_days":   format(FormatOptional(a.WarnDays)),
	}
}

// runCommandTemplate runs a templated command in the style of cfg.Accounts
// config options. The template is split in arguments before the variables are
// replaced, so values containing spaces stay in a single argument. An input
// section, separated by "|", is written to the command's stdin.
func runCommandTemplate(ctx context.Context, cmd string, vars map[string]string) (*run.Result, error) {
	return runTemplate(ctx, cmd, vars, false)
}

// runSensitiveCommandTemplate is runCommandTemplate for commands whose
// arguments and output must not be logged.
func runSensitiveCommandTemplate(ctx context.Context, cmd string, vars map[string]string) (*run.Result, error) {
	return runTemplate(ctx, cmd, vars, true)
}

func runTemplate(ctx context.Context, cmd string, vars map[string]string, sensitive bool) (*run.Result, error) {
	var input string

	before, after, found := strings.Cut(cmd, "|")
	if found {
		input = execCommandTemplate(before, vars)
		cmd = after
	}

	tokens := strings.Fields(cmd)
	if len(tokens) < 1 {
		return nil, errors.New("no command configured")
	}
	for i, token := range tokens {
		tokens[i] = execCommandTemplate(token, vars)
	}

	cmdopts := run.Options{
		OutputType: run.OutputCombined,
		Name:       tokens[0],
		Args:       tokens[1:],
		Input:      input,
		Sensitive:  sensitive,
	}

	res, err := run.WithContext(ctx, cmdopts)
	if err != nil && sensitive {
		// The output may echo the input back, only keep the exit status.
		if ee, ok := run.AsExitError(err); ok {
			return nil, fmt.Errorf("%s failed: %w", tokens[0], ee)
		}
		return nil, fmt.Errorf("%s failed: %w", tokens[0], errors.New("command error"))
	}
	return res, err
}

// execCommandTemplate replaces the {name} placeholders in the given string with
// the values in vars. Replacement is a single pass, placeholders appearing in
// a value are kept verbatim.
func execCommandTemplate(in string, vars map[string]string) string {
	oldnew := make([]string, 0, len(vars)*2)
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		oldnew = append(oldnew, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(oldnew...).Replace(in)
}
