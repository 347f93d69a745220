package common

const ApplicationName = "sshmitm"

const HostKeyFilePerm = 0600
