package config

// DefaultConfig is the annotated default configuration, printed by the
// defconfig command. Every value shown is the built-in default.
const DefaultConfig = `# vim: ft=dosini
# This is the default configuration for notmuch-gmail.

[core]
# Folder where to store email messages in files and the local tag index.
# By default, the value is extracted from your notmuch config file located at
# NOTMUCH_CONFIG environment variable (or at ~/.notmuch-config). If a value
# is provided here, it will override the default value.
#notmuch_db = ~/mail

# Folder where to store persistent data for notmuch-gmail such as Gmail
# OAuth2 credentials and synchronization state. Any relative path will be
# resolved against the notmuch_db path.
#status_dir = ./.notmuch-gmail

# Push local tag changes to Gmail. If set to False, any local modification
# will be overwritten by remote changes (ignoring the local_wins option).
#push_local_tags = True

# In case of conflicting changes between local and remote (tags/labels
# changed on both sides on the same messages), favor the local version and
# replace the remote version with it. By default, remote side (Gmail) wins.
#local_wins = False

# Upload local messages tagged as "draft" as Gmail DRAFT messages.
#upload_drafts = True

# Upload local messages tagged as "sent" as Gmail SENT messages (does not
# send the messages, only stores them in your Gmail account).
#upload_sent = False

# Socket timeout in seconds. 0 means use the system's default socket timeout.
#http_timeout = 5

# Number of fetched messages to add to the tag index per transaction.
#index_batch_size = 100

[ignore_labels]
# Do not synchronize messages that have these Gmail labels.
#no_sync =
#	CHATS

# Ignore the following Gmail labels (synchronize the messages without them).
#remote =
#	CATEGORY_FORUMS
#	CATEGORY_PERSONAL
#	CATEGORY_PROMOTIONS
#	CATEGORY_SOCIAL
#	CATEGORY_UPDATES

# Ignore the following local tags (synchronize the messages without them).
#local =
#	attachment
#	new
#	signed

[labels_translate]
# Convert Gmail labels to local tags (and vice versa).
# By default, only the reserved Gmail SYSTEM labels are converted
# to lower case which is all you will ever need in general.
# The syntax is: GMAIL_LABEL = local_tag
#INBOX = inbox
#SPAM = spam
#TRASH = trash
#UNREAD = unread
#STARRED = starred
#IMPORTANT = important
#SENT = sent
#DRAFT = draft

[watch]
# Cron expression controlling how often watch mode runs a pull.
#schedule = */10 * * * *
`
